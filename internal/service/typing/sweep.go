package typing

import (
	"context"
	"log/slog"

	"github.com/raasel/backend/internal/model/event"
)

// Run sweeps expired indicators every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep publishes typing_stop for every indicator this process started
// whose TTL has passed. Indicators extended elsewhere are kept.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.clock.Now()
	m.mu.Lock()
	due := make([]string, 0)
	for key, t := range m.started {
		if t.entry.Expired(now) {
			due = append(due, key)
		}
	}
	m.mu.Unlock()

	for _, key := range due {
		err := m.keys.Do(ctx, key, func(ctx context.Context) error {
			m.mu.Lock()
			t, ok := m.started[key]
			m.mu.Unlock()
			if !ok {
				return nil
			}

			current, live, err := m.load(ctx, key)
			if err != nil {
				return err
			}
			if live {
				m.mu.Lock()
				t.entry = current
				m.started[key] = t
				m.mu.Unlock()
				return nil
			}

			m.forget(key)
			if err := m.presence.Delete(ctx, key); err != nil {
				return err
			}
			m.announce(ctx, t.organizationID, event.TypingStop(typingPayload(t.entry)))
			return nil
		})
		if err != nil {
			m.logger.Warn("sweep typing entry", slog.String("key", key), slog.Any("error", err))
		}
	}
}
