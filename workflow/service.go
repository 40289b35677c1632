// Package workflow implements CropTrace's operations: registration and
// login, profiles, crop creation, lifecycle queries and custody transfer.
package workflow

import (
	"context"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/croptrace/croptrace/events"
	"github.com/croptrace/croptrace/identity"
	"github.com/croptrace/croptrace/repository"
	"github.com/croptrace/croptrace/repository/models"
)

// Store is the document store the workflow runs against
type Store interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
	GetUserByPhone(ctx context.Context, phone string) (*models.User, error)
	UpdateUser(ctx context.Context, userID string, updates map[string]interface{}) (*models.User, error)

	CreateCrop(ctx context.Context, crop *models.Crop, first *models.JourneyStep) error
	GetCropByCropID(ctx context.Context, cropID string) (*models.Crop, error)
	ListCrops(ctx context.Context, filter repository.CropFilter) ([]models.Crop, error)
	TransferCustody(ctx context.Context, change *repository.CustodyChange) (*models.Crop, error)
	GetCropJourney(ctx context.Context, cropID string) ([]models.JourneyStep, error)
	GetTransactionsByCrop(ctx context.Context, cropID string) ([]models.Transaction, error)
}

// Identity holds credentials and sessions
type Identity interface {
	CreateAccount(ctx context.Context, userID, email, password, name string) error
	DeleteAccount(ctx context.Context, email string) error
	CreateSession(ctx context.Context, email, password string) (*identity.Session, error)
	GetSession(ctx context.Context, id string) (*identity.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

type Options struct {
	// StrictPipeline rejects transfers that are not exactly one stage forward
	StrictPipeline bool
	// AllowDemoLogin answers a found user with a sessionless success when
	// the session cannot be created
	AllowDemoLogin bool
}

// Service runs the workflow operations
type Service struct {
	store     Store
	identity  Identity
	publisher events.Publisher
	logger    cmtlog.Logger
	opts      Options
	now       func() time.Time
}

// NewService creates a workflow service. A nil publisher disables crop
// events.
func NewService(store Store, ident Identity, publisher events.Publisher, logger cmtlog.Logger, opts Options) *Service {
	return &Service{
		store:     store,
		identity:  ident,
		publisher: publisher,
		logger:    logger.With("module", "workflow"),
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// publish emits an event. Delivery problems are the consumer's concern and
// never fail the operation that produced the event.
func (s *Service) publish(ctx context.Context, topic string, payload interface{}) {
	if s.publisher == nil {
		return
	}
	ev := events.NewEvent(topic, payload)
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Error("Failed to publish event", "topic", topic, "event", ev.ID, "err", err)
	}
}
