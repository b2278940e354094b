package domain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"conductor.io/conductor/internal/pkg/logger"
)

// EventType names a lifecycle transition of an instance.
type EventType string

const (
	EventInstanceSpawned    EventType = "INSTANCE_SPAWNED"
	EventInstanceDestroyed  EventType = "INSTANCE_DESTROYED"
	EventInstanceRescued    EventType = "INSTANCE_RESCUED"
	EventInstanceUnrescued  EventType = "INSTANCE_UNRESCUED"
	EventMigrationSent      EventType = "MIGRATION_SENT"
	EventMigrationFinished  EventType = "MIGRATION_FINISHED"
	EventMigrationReverted  EventType = "MIGRATION_REVERTED"
	EventMigrationConfirmed EventType = "MIGRATION_CONFIRMED"
	EventWorkflowRolledBack EventType = "WORKFLOW_ROLLED_BACK"
)

// InstanceEvent is emitted after a workflow completes or rolls back.
type InstanceEvent struct {
	EventType    EventType
	InstanceUUID string
	Workflow     string
	Err          error
	OccurredAt   time.Time
}

// EventHandler processes an instance event.
type EventHandler func(ctx context.Context, event *InstanceEvent) error

// EventDispatcher routes instance events to registered handlers.
type EventDispatcher struct {
	handlers map[EventType][]EventHandler
	mu       sync.RWMutex
}

// NewEventDispatcher creates a new EventDispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Register registers a handler for a specific event type.
func (d *EventDispatcher) Register(eventType EventType, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], handler)
}

// Dispatch calls every handler registered for the event type in order.
// A failing handler is logged and the remaining handlers still run; the first
// failure is returned. A nil dispatcher drops the event.
func (d *EventDispatcher) Dispatch(ctx context.Context, event *InstanceEvent) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	d.mu.RLock()
	handlers := d.handlers[event.EventType]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		logger.Debug("No handlers registered for event type",
			zap.String("event_type", string(event.EventType)),
			zap.String("instance_uuid", event.InstanceUUID),
		)
		return nil
	}

	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			logger.Error("Event handler failed",
				zap.String("event_type", string(event.EventType)),
				zap.String("instance_uuid", event.InstanceUUID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("handler for %s failed: %w", event.EventType, err)
			}
		}
	}

	return firstErr
}
