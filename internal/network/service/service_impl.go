package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/netbill/internal/activity/domain"
	"github.com/smallbiznis/netbill/internal/clock"
	customerdomain "github.com/smallbiznis/netbill/internal/customer/domain"
	"github.com/smallbiznis/netbill/internal/network/domain"
	"github.com/smallbiznis/netbill/internal/saga"
	"github.com/smallbiznis/netbill/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Saga      *saga.Orchestrator
	Repo      domain.Repository
	Customers customerdomain.Service
	Billing   domain.BillingLedger
	Signaling domain.Signaling
	Activity  domain.ActivityRecorder
	Notifier  domain.Notifier `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	saga      *saga.Orchestrator
	repo      domain.Repository
	customers customerdomain.Service
	billing   domain.BillingLedger
	signaling domain.Signaling
	activity  domain.ActivityRecorder
	notifier  domain.Notifier
}

func New(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("network.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		saga:      p.Saga,
		repo:      p.Repo,
		customers: p.Customers,
		billing:   p.Billing,
		signaling: p.Signaling,
		activity:  p.Activity,
		notifier:  p.Notifier,
	}
}

func (s *Service) CreateNetwork(ctx context.Context, req domain.CreateNetworkRequest) (domain.Network, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Network{}, domain.ErrInvalidName
	}
	if _, err := s.customers.GetByID(ctx, req.CustomerID); err != nil {
		return domain.Network{}, err
	}

	status := domain.StatusActive
	if req.Trial {
		status = domain.StatusTrial
	}

	now := s.now()
	id := s.genID.Generate()
	network := domain.Network{
		ID:          id,
		CustomerID:  req.CustomerID,
		Name:        name,
		Status:      status,
		BillingKey:  "net-" + id.String(),
		SignalingID: "net_" + id.Base58(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateNetwork(ctx, s.db, &network); err != nil {
		return domain.Network{}, err
	}

	s.log.Info("network created",
		zap.String("network_id", network.ID.String()),
		zap.String("customer_id", network.CustomerID.String()),
		zap.String("status", string(network.Status)),
	)
	return network, nil
}

func (s *Service) GetNetwork(ctx context.Context, id snowflake.ID) (domain.Network, error) {
	network, err := s.repo.FindNetwork(ctx, s.db, id)
	if err != nil {
		return domain.Network{}, err
	}
	if network == nil {
		return domain.Network{}, domain.ErrNetworkNotFound
	}
	return *network, nil
}

func (s *Service) ListMembers(ctx context.Context, req domain.ListMembersRequest) (domain.ListMembersResponse, error) {
	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}
	if _, err := s.GetNetwork(ctx, req.NetworkID); err != nil {
		return domain.ListMembersResponse{}, err
	}

	items, err := s.repo.ListMemberships(ctx, s.db, req.NetworkID, req.ActiveOnly, page)
	if err != nil {
		return domain.ListMembersResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPage(items, page.Size(), func(m *domain.Membership) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        m.ID.String(),
			CreatedAt: m.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})

	members := make([]domain.Membership, 0, len(items))
	for _, item := range items {
		members = append(members, *item)
	}
	return domain.ListMembersResponse{PageInfo: pageInfo, Members: members}, nil
}

func (s *Service) MembershipsOverlapping(ctx context.Context, networkID snowflake.ID, start, end time.Time) ([]domain.Membership, error) {
	return s.repo.ListOverlapping(ctx, s.db, networkID, start.UTC(), end.UTC())
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

// lockNetwork loads the network under a row lock and rejects deleted ones.
func (s *Service) lockNetwork(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Network, error) {
	network, err := s.repo.LockNetwork(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if network == nil {
		return nil, domain.ErrNetworkNotFound
	}
	if network.Status == domain.StatusDeleted {
		return nil, domain.ErrNetworkDeleted
	}
	return network, nil
}

func (s *Service) recordActivity(ctx context.Context, network snowflake.ID, username string, typ activitydomain.EventType, at time.Time) error {
	_, err := s.activity.Record(ctx, activitydomain.RecordRequest{
		NetworkID:  network,
		Username:   username,
		Type:       typ,
		OccurredAt: at,
	})
	return err
}

func normalizeUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", domain.ErrInvalidUsername
	}
	return username, nil
}
