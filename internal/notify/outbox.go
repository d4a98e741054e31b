package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Klingon-tech/escrowd/internal/escrow"
	"github.com/Klingon-tech/escrowd/internal/storage"
	"github.com/Klingon-tech/escrowd/pkg/logging"
)

// Store is the outbox persistence.
type Store interface {
	EnqueueNotification(n *storage.Notification) error
	GetDueNotifications(now int64, limit int) ([]*storage.Notification, error)
	MarkNotificationDelivered(messageID string) error
	ScheduleNotificationRetry(messageID string, nextRetryAt int64, errMsg string) error
	MarkNotificationFailed(messageID string, errMsg string) error
	CleanupNotifications(olderThan int64) (int64, error)
}

// Config configures delivery.
type Config struct {
	PollInterval         time.Duration `yaml:"poll_interval"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
	BatchSize            int           `yaml:"batch_size"`
	InitialRetryInterval time.Duration `yaml:"initial_retry_interval"`
	MaxRetryInterval     time.Duration `yaml:"max_retry_interval"`
	BackoffMultiplier    float64       `yaml:"backoff_multiplier"`
	MaxRetries           int           `yaml:"max_retries"`
	RetentionPeriod      time.Duration `yaml:"retention_period"`
	DeliveryTimeout      time.Duration `yaml:"delivery_timeout"`
}

// DefaultConfig returns the default delivery configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:         5 * time.Second,
		CleanupInterval:      time.Hour,
		BatchSize:            50,
		InitialRetryInterval: 10 * time.Second,
		MaxRetryInterval:     10 * time.Minute,
		BackoffMultiplier:    2.0,
		MaxRetries:           50, // ~8 hours with backoff capped at 10m
		RetentionPeriod:      7 * 24 * time.Hour,
		DeliveryTimeout:      15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.InitialRetryInterval <= 0 {
		c.InitialRetryInterval = def.InitialRetryInterval
	}
	if c.MaxRetryInterval <= 0 {
		c.MaxRetryInterval = def.MaxRetryInterval
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = def.RetentionPeriod
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = def.DeliveryTimeout
	}
	return c
}

// Service persists notifications and delivers them to sinks.
type Service struct {
	store  Store
	sinks  []Sink
	config Config
	log    *logging.Logger

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ escrow.Notifier = (*Service)(nil)

// New creates a notification service.
func New(store Store, cfg Config, sinks ...Sink) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:  store,
		sinks:  sinks,
		config: cfg.withDefaults(),
		log:    logging.GetDefault().Component("notify"),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Notify stores a notification for party and wakes the worker. A storage
// failure is logged and the notification is lost.
func (s *Service) Notify(_ context.Context, party string, kind escrow.EventKind, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("Failed to encode notification", "kind", kind, "error", err)
		return
	}
	offerID, _ := payload["offer_id"].(string)

	n := &storage.Notification{
		MessageID: uuid.NewString(),
		OfferID:   offerID,
		PartyID:   party,
		Kind:      string(kind),
		Payload:   data,
	}
	if err := s.store.EnqueueNotification(n); err != nil {
		s.log.Error("Failed to queue notification", "party", party, "kind", kind, "error", err)
		return
	}
	s.log.Debug("Notification queued", "party", party, "kind", kind, "offer", offerID)

	select {
	case s.wake <- struct{}{}:
	default:
	}
}
