package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	obscontext "github.com/smallbiznis/netbill/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captured struct {
	method    string
	path      string
	auth      string
	requestID string
	body      map[string]any
}

func newTestServer(t *testing.T, status int, seen *captured) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.method = r.Method
		seen.path = r.URL.EscapedPath()
		seen.auth = r.Header.Get("Authorization")
		seen.requestID = r.Header.Get("X-Request-Id")
		seen.body = nil
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&seen.body)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", "secret", srv.Client(), zap.NewNop())
}

func TestRegisterUser(t *testing.T) {
	var seen captured
	c := newTestServer(t, http.StatusCreated, &seen)

	ctx := obscontext.WithRequestID(context.Background(), "req-42")
	require.NoError(t, c.RegisterUser(ctx, "rs-1", "alice"))

	assert.Equal(t, http.MethodPost, seen.method)
	assert.Equal(t, "/v1/resellers/rs-1/users", seen.path)
	assert.Equal(t, "Bearer secret", seen.auth)
	assert.Equal(t, "req-42", seen.requestID)
	assert.Equal(t, "alice", seen.body["username"])
}

func TestRegisterUserConflictIsSuccess(t *testing.T) {
	var seen captured
	c := newTestServer(t, http.StatusConflict, &seen)
	assert.NoError(t, c.RegisterUser(context.Background(), "rs-1", "alice"))
}

func TestDeregisterUserEscapesAndToleratesNotFound(t *testing.T) {
	var seen captured
	c := newTestServer(t, http.StatusNotFound, &seen)

	require.NoError(t, c.DeregisterUser(context.Background(), "bob/ops"))
	assert.Equal(t, http.MethodDelete, seen.method)
	assert.Equal(t, "/v1/users/bob%2Fops", seen.path)
	assert.NotEmpty(t, seen.requestID)
}

func TestSuspendReseller(t *testing.T) {
	var seen captured
	c := newTestServer(t, http.StatusNoContent, &seen)

	require.NoError(t, c.SuspendReseller(context.Background(), "rs-1", true))
	assert.Equal(t, http.MethodPut, seen.method)
	assert.Equal(t, "/v1/resellers/rs-1/suspension", seen.path)
	assert.Equal(t, true, seen.body["suspended"])
}

func TestSuspendUnknownReseller(t *testing.T) {
	var seen captured
	c := newTestServer(t, http.StatusNotFound, &seen)
	assert.ErrorIs(t, c.SuspendReseller(context.Background(), "rs-x", false), ErrNotFound)
}

func TestServerErrorSurfacesStatus(t *testing.T) {
	var seen captured
	c := newTestServer(t, http.StatusBadGateway, &seen)

	err := c.DeleteReseller(context.Background(), "rs-1")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.Status)
	assert.Equal(t, "delete_reseller", statusErr.Op)
	assert.Contains(t, statusErr.Body, "nope")
}
