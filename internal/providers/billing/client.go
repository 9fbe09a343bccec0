// Package billing is the client for the telephony billing ledger. Every
// operation is keyed by a natural key so a redelivered saga step is a no-op.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/smallbiznis/netbill/internal/config"
	obscontext "github.com/smallbiznis/netbill/internal/observability/context"
	"github.com/smallbiznis/netbill/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.billing",
	fx.Provide(NewFromConfig),
)

// ErrNotFound is returned when the ledger does not know the reseller or user.
var ErrNotFound = errors.New("billing: not found")

// StatusError carries an unexpected HTTP status from the ledger.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("billing: %s: status %d: %s", e.Op, e.Status, e.Body)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger
}

func NewFromConfig(cfg config.Config, log *zap.Logger) *Client {
	return New(cfg.Billing.BaseURL, cfg.Billing.Token,
		tracing.WrapHTTPClient(&http.Client{Timeout: cfg.Billing.Timeout}), log)
}

func New(baseURL, token string, httpClient *http.Client, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
		log:     log.Named("billing"),
	}
}

type registerUserRequest struct {
	Username string `json:"username"`
}

type suspendRequest struct {
	Suspended bool `json:"suspended"`
}

// RegisterUser attaches username to the reseller identified by resellerKey.
// An existing registration is treated as success.
func (c *Client) RegisterUser(ctx context.Context, resellerKey, username string) error {
	path := "/v1/resellers/" + url.PathEscape(resellerKey) + "/users"
	status, err := c.do(ctx, "register_user", http.MethodPost, path, registerUserRequest{Username: username},
		http.StatusOK, http.StatusCreated, http.StatusConflict)
	if err != nil {
		return err
	}
	if status == http.StatusConflict {
		c.log.Debug("user already registered", zap.String("reseller", resellerKey), zap.String("username", username))
	}
	return nil
}

// DeregisterUser removes username from billing. Unknown users are treated as removed.
func (c *Client) DeregisterUser(ctx context.Context, username string) error {
	_, err := c.do(ctx, "deregister_user", http.MethodDelete, "/v1/users/"+url.PathEscape(username), nil,
		http.StatusOK, http.StatusNoContent, http.StatusNotFound)
	return err
}

func (c *Client) SuspendReseller(ctx context.Context, resellerKey string, suspend bool) error {
	path := "/v1/resellers/" + url.PathEscape(resellerKey) + "/suspension"
	status, err := c.do(ctx, "suspend_reseller", http.MethodPut, path, suspendRequest{Suspended: suspend},
		http.StatusOK, http.StatusNoContent, http.StatusNotFound)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// DeleteReseller removes the reseller. Already-deleted resellers are treated as success.
func (c *Client) DeleteReseller(ctx context.Context, resellerKey string) error {
	_, err := c.do(ctx, "delete_reseller", http.MethodDelete, "/v1/resellers/"+url.PathEscape(resellerKey), nil,
		http.StatusOK, http.StatusNoContent, http.StatusNotFound)
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, accept ...int) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("billing: %s: encode: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("billing: %s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	requestID := obscontext.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set("X-Request-Id", requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("billing: %s: %w", op, err)
	}
	defer resp.Body.Close()

	for _, code := range accept {
		if resp.StatusCode == code {
			_, _ = io.Copy(io.Discard, resp.Body)
			return resp.StatusCode, nil
		}
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return resp.StatusCode, &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
}
