package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netbill/internal/activity/domain"
	"github.com/smallbiznis/netbill/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("activity.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Record(ctx context.Context, req domain.RecordRequest) (bool, error) {
	if req.NetworkID == 0 {
		return false, domain.ErrInvalidNetwork
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return false, domain.ErrInvalidUsername
	}
	if !req.Type.Valid() {
		return false, domain.ErrInvalidEventType
	}
	if req.OccurredAt.IsZero() {
		return false, domain.ErrInvalidTimestamp
	}

	event := domain.Event{
		ID:         s.genID.Generate(),
		NetworkID:  req.NetworkID,
		Username:   username,
		Type:       req.Type,
		OccurredAt: req.OccurredAt.UTC().Truncate(time.Microsecond),
		CreatedAt:  s.clock.Now(),
	}
	created, err := s.repo.Insert(ctx, s.db, &event)
	if err != nil {
		return false, err
	}
	if !created {
		s.log.Debug("duplicate activity event ignored",
			zap.String("network_id", req.NetworkID.String()),
			zap.String("type", string(req.Type)),
		)
	}
	return created, nil
}

func (s *Service) ListForPeriod(ctx context.Context, networkID snowflake.ID, start, end time.Time) ([]domain.Event, error) {
	return s.repo.ListByNetwork(ctx, s.db, networkID, start.UTC(), end.UTC())
}
