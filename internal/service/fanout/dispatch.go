package fanout

import (
	"context"
	"log/slog"
	"time"

	"github.com/raasel/backend/internal/model/event"
	"github.com/raasel/backend/internal/serial"
)

// Publisher delivers one event to rooms.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event, rooms ...event.Room) error
}

// Dispatcher publishes events in the background so writers never wait on
// delivery. Events of one session go out in the order they were handed
// over; events without a session are ordered per organization.
type Dispatcher struct {
	next   Publisher
	lanes  *serial.Executor
	logger *slog.Logger
}

// NewDispatcher wraps next.
func NewDispatcher(next Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		next:   next,
		lanes:  serial.New(),
		logger: logger.With("component", "dispatch"),
	}
}

// Publish queues ev and returns immediately. Delivery failures are logged.
// The queued publish outlives ctx's cancellation but keeps its values.
func (d *Dispatcher) Publish(ctx context.Context, ev event.Event, rooms ...event.Room) error {
	key := ev.SessionID()
	if key == "" {
		key = string(event.OrgRoom(ev.OrganizationID))
	}
	d.lanes.Go(context.WithoutCancel(ctx), key, func(ctx context.Context) {
		if err := d.next.Publish(ctx, ev, rooms...); err != nil {
			d.logger.Warn("publish event",
				slog.String("type", string(ev.Type())),
				slog.String("event_id", ev.ID),
				slog.String("session_id", ev.SessionID()),
				slog.Any("error", err),
			)
		}
	})
	return nil
}

// Pending reports how many sessions still have events queued.
func (d *Dispatcher) Pending() int { return d.lanes.Busy() }

// Flush waits until every queued event has been handed to the publisher or
// ctx is done.
func (d *Dispatcher) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for d.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
