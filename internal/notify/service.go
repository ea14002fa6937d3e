package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/agentmarket/backend/internal/models"
)

// ErrInvalidWebhook rejects a webhook configuration.
var ErrInvalidWebhook = errors.New("invalid webhook configuration")

// Store is the persistence the notifier needs. *Repository satisfies it.
type Store interface {
	Insert(ctx context.Context, n *models.Notification) error
	List(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*models.Notification, int, int, error)
	MarkRead(ctx context.Context, userID, id uuid.UUID) error
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int, error)
	UserWebhook(ctx context.Context, userID uuid.UUID) (*string, []string, error)
	AgentWebhook(ctx context.Context, agentID uuid.UUID) (*string, error)
	SetUserWebhook(ctx context.Context, userID uuid.UUID, url *string, events []string) error
}

// JobInserter enqueues River jobs. *river.Client[pgx.Tx] satisfies it.
type JobInserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// InserterFunc adapts a function to JobInserter. main uses it to bind the
// River client after the services that notify have been built.
type InserterFunc func(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)

func (f InserterFunc) Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	return f(ctx, args, opts)
}

// Service persists in-app notifications and queues webhook deliveries.
type Service struct {
	store  Store
	jobs   JobInserter
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store Store, jobs JobInserter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, jobs: jobs, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Notify records n and enqueues webhook deliveries. It never fails the
// caller; problems are logged.
func (s *Service) Notify(ctx context.Context, n models.Notice) {
	log := s.logger.With("event", n.Event, "user_id", n.UserID)

	rec := &models.Notification{UserID: n.UserID, Type: n.Event, Message: n.Message, ReferenceType: n.Ref.Type}
	if n.Ref.ID != uuid.Nil {
		id := n.Ref.ID
		rec.ReferenceID = &id
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		log.Error("persist notification failed", "error", err)
	}

	if s.jobs == nil {
		return
	}
	payload, err := s.payload(n)
	if err != nil {
		log.Error("encode webhook payload failed", "error", err)
		return
	}

	hook, events, err := s.store.UserWebhook(ctx, n.UserID)
	switch {
	case err != nil:
		log.Error("load user webhook failed", "error", err)
	case hook != nil && subscribed(events, n.Event):
		s.enqueue(ctx, log, *hook, payload)
	}

	if n.AgentID == uuid.Nil || !slices.Contains(models.AgentWebhookEvents, n.Event) {
		return
	}
	agentHook, err := s.store.AgentWebhook(ctx, n.AgentID)
	switch {
	case err != nil:
		log.Error("load agent webhook failed", "agent_id", n.AgentID, "error", err)
	case agentHook != nil && (hook == nil || *agentHook != *hook):
		s.enqueue(ctx, log, *agentHook, payload)
	}
}

// subscribed treats an empty subscription as every event.
func subscribed(events []string, event string) bool {
	return len(events) == 0 || slices.Contains(events, event)
}

func (s *Service) payload(n models.Notice) (Payload, error) {
	data := n.Data
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Event: n.Event, Timestamp: s.now(), Data: raw}, nil
}

func (s *Service) enqueue(ctx context.Context, log *slog.Logger, hookURL string, p Payload) {
	if _, err := s.jobs.Insert(ctx, DeliverWebhookArgs{URL: hookURL, Payload: p}, nil); err != nil {
		log.Error("enqueue webhook failed", "error", err)
	}
}

// List returns one page of the user's notifications with the total and
// unread counts.
func (s *Service) List(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*models.Notification, int, int, error) {
	limit, offset = models.Page(limit, offset)
	return s.store.List(ctx, userID, unreadOnly, limit, offset)
}

func (s *Service) MarkRead(ctx context.Context, userID, id uuid.UUID) error {
	return s.store.MarkRead(ctx, userID, id)
}

func (s *Service) MarkAllRead(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.store.MarkAllRead(ctx, userID)
}

// ConfigureWebhook sets or clears (empty hookURL) the user's webhook.
func (s *Service) ConfigureWebhook(ctx context.Context, userID uuid.UUID, hookURL string, events []string) error {
	var target *string
	if hookURL != "" {
		u, err := url.Parse(hookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: webhook_url must be a valid HTTP/HTTPS URL", ErrInvalidWebhook)
		}
		target = &hookURL
	}
	var bad []string
	for _, e := range events {
		if !models.ValidEvent(e) {
			bad = append(bad, e)
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("%w: unknown events %v", ErrInvalidWebhook, bad)
	}
	return s.store.SetUserWebhook(ctx, userID, target, events)
}
