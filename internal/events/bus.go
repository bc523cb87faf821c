package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/notifications"
	"go.uber.org/zap"
)

const defaultQueueSize = 256

// DomainEvent describes something that happened and may concern one recipient.
// ActorID is empty for system events.
type DomainEvent struct {
	RecipientID string
	ActorID     string
	Kind        notifications.Kind
	Payload     notifications.Payload
}

// Handler consumes one event. Returned errors and panics are logged and isolated to that event.
type Handler func(ctx context.Context, event DomainEvent) error

// Bus decouples business actions from notification side effects. Publish
// never waits on handlers: events go through a bounded queue drained by Run.
type Bus struct {
	queue    chan DomainEvent
	logger   *zap.Logger
	mu       sync.RWMutex
	handlers []Handler
	closed   bool
	done     chan struct{}
}

// NewBus constructs a bus whose queue holds up to queueSize pending events.
func NewBus(queueSize int, logger *zap.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		queue:  make(chan DomainEvent, queueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Subscribe adds a handler for every subsequently processed event.
func (b *Bus) Subscribe(handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
}

// Publish enqueues the event and returns immediately. It reports false when the
// event was dropped because the queue is full or the bus is closed.
func (b *Bus) Publish(event DomainEvent) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.Warn("event dropped: bus closed", eventFields(event)...)
		return false
	}
	select {
	case b.queue <- event:
		return true
	default:
		b.logger.Warn("event dropped: queue full", eventFields(event)...)
		return false
	}
}

// Run processes queued events until the bus is closed and drained, or ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-b.queue:
			if !ok {
				return
			}
			b.dispatch(ctx, event)
		}
	}
}

// Close stops accepting events. Run finishes once the queued events are processed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.queue)
}

// Done is closed when Run returns.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

func (b *Bus) dispatch(ctx context.Context, event DomainEvent) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()
	for _, handler := range handlers {
		b.invoke(ctx, handler, event)
	}
}

func (b *Bus) invoke(ctx context.Context, handler Handler, event DomainEvent) {
	defer func() {
		if recovered := recover(); recovered != nil {
			fields := append(eventFields(event), zap.String("panic", fmt.Sprint(recovered)))
			b.logger.Error("event handler panicked", fields...)
		}
	}()
	if err := handler(ctx, event); err != nil {
		fields := append(eventFields(event), zap.Error(err))
		b.logger.Error("event handler failed", fields...)
	}
}

func eventFields(event DomainEvent) []zap.Field {
	return []zap.Field{
		zap.String("kind", string(event.Kind)),
		zap.String("recipient_id", event.RecipientID),
		zap.String("actor_id", event.ActorID),
	}
}
