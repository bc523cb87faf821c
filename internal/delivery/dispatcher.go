package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/events"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/users"
	"go.uber.org/zap"
)

var (
	errMissingStore    = errors.New("delivery: notification store is required")
	errMissingRegistry = errors.New("delivery: connection registry is required")
)

// NotificationWriter persists notifications and withdraws ones that turned out to be stale.
type NotificationWriter interface {
	Create(ctx context.Context, request notifications.CreateRequest) (notifications.Notification, error)
	DeleteByRecipientAndID(ctx context.Context, userID, notificationID string) error
}

// ReferenceChecker reports whether the feed, record or comment a payload points at still exists.
type ReferenceChecker interface {
	ReferencesLive(ctx context.Context, payload notifications.Payload) (bool, error)
}

// ConnectionLookup finds and evicts live push channels.
type ConnectionLookup interface {
	Lookup(userID string) (realtime.Channel, bool)
	Release(userID string, channel realtime.Channel) bool
}

// ProfileLookup resolves the sender summary shown with a push.
type ProfileLookup interface {
	Lookup(ctx context.Context, userID string) (users.Profile, error)
}

type Config struct {
	Store    NotificationWriter
	Registry ConnectionLookup
	Profiles ProfileLookup
	// References is optional; without it every stored notification is kept.
	References ReferenceChecker
	Logger     *zap.Logger
}

// Dispatcher turns domain events into a durable notification plus a best-effort push.
type Dispatcher struct {
	store      NotificationWriter
	registry   ConnectionLookup
	profiles   ProfileLookup
	references ReferenceChecker
	logger     *zap.Logger
}

func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:      cfg.Store,
		registry:   cfg.Registry,
		profiles:   cfg.Profiles,
		references: cfg.References,
		logger:     logger,
	}, nil
}

// Handle is the event bus handler. Only unexpected storage failures are returned;
// a missing recipient, a deleted reference, an absent connection or a failed push
// end delivery quietly.
func (d *Dispatcher) Handle(ctx context.Context, event events.DomainEvent) error {
	if event.ActorID != "" && event.RecipientID == event.ActorID {
		return nil
	}

	notification, err := d.store.Create(ctx, notifications.CreateRequest{
		RecipientID: event.RecipientID,
		ActorID:     event.ActorID,
		Kind:        event.Kind,
		Payload:     event.Payload,
	})
	if errors.Is(err, notifications.ErrRecipientNotFound) {
		d.logger.Info("notification discarded: recipient not found",
			zap.String("recipient_id", event.RecipientID),
			zap.String("kind", string(event.Kind)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("delivery: persist notification: %w", err)
	}

	// The reference is checked after the row is stored: a delete that commits
	// earlier is seen here, one that commits later cascades over the row.
	live, err := d.referencesLive(ctx, notification)
	if err != nil {
		return err
	}
	if !live {
		return nil
	}

	channel, ok := d.registry.Lookup(notification.RecipientID)
	if !ok {
		return nil
	}

	message := d.render(ctx, notification)
	if err := channel.Send(message); err != nil {
		d.registry.Release(notification.RecipientID, channel)
		d.logger.Warn("push failed; connection evicted",
			zap.String("recipient_id", notification.RecipientID),
			zap.String("notification_id", notification.ID),
			zap.Error(err))
	}
	return nil
}

func (d *Dispatcher) referencesLive(ctx context.Context, notification notifications.Notification) (bool, error) {
	if d.references == nil {
		return true, nil
	}
	live, err := d.references.ReferencesLive(ctx, notification.Payload)
	if err != nil {
		return false, fmt.Errorf("delivery: check references: %w", err)
	}
	if live {
		return true, nil
	}
	if err := d.store.DeleteByRecipientAndID(ctx, notification.RecipientID, notification.ID); err != nil && !errors.Is(err, notifications.ErrNotFound) {
		return false, fmt.Errorf("delivery: withdraw stale notification: %w", err)
	}
	d.logger.Info("notification withdrawn: referenced entity deleted",
		zap.String("recipient_id", notification.RecipientID),
		zap.String("notification_id", notification.ID),
		zap.String("kind", string(notification.Kind)))
	return false, nil
}

func (d *Dispatcher) render(ctx context.Context, notification notifications.Notification) realtime.PushMessage {
	sender := users.Profile{UserID: notification.Actor()}
	if sender.UserID != "" && d.profiles != nil {
		profile, err := d.profiles.Lookup(ctx, sender.UserID)
		if err == nil {
			sender = profile
		} else {
			d.logger.Debug("sender profile unavailable",
				zap.String("actor_id", sender.UserID),
				zap.Error(err))
		}
	}
	return RenderPush(notification, sender)
}
