package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/internal/model/event"
)

type appendResult struct {
	message chat.Message
	created bool
}

// RecordInboundMessage appends msg to the session's log and drives the
// lifecycle: a client message in a waiting session triggers assignment.
// The sender sees an error only when the message could not be stored;
// summary and fan-out failures are logged.
func (s *Service) RecordInboundMessage(ctx context.Context, sessionID string, msg chat.Message) (stored chat.Message, err error) {
	ctx, span := s.startSpan(ctx, "RecordInboundMessage",
		attribute.String("session_id", sessionID),
		attribute.String("organization_id", msg.OrganizationID),
	)
	defer func() { endSpan(span, err) }()

	msg.ID = strings.TrimSpace(msg.ID)
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if strings.TrimSpace(msg.Content) == "" || !msg.SenderType.Valid() || msg.SenderID == "" {
		return chat.Message{}, chat.ErrInvalidMessage
	}

	err = s.lanes.Do(ctx, sessionID, func(ctx context.Context) error {
		stored, err = s.recordLocked(ctx, sessionID, msg)
		return err
	})
	return stored, err
}

func (s *Service) recordLocked(ctx context.Context, sessionID string, msg chat.Message) (chat.Message, error) {
	session, err := s.load(ctx, msg.OrganizationID, sessionID)
	if err != nil {
		return chat.Message{}, err
	}
	if session.Status == chat.StatusClosed {
		return chat.Message{}, chat.ErrSessionClosed
	}
	sender := chat.Actor{ID: msg.SenderID, Type: msg.SenderType, OrganizationID: session.OrganizationID}
	if err := s.authorize(ctx, sender, session, false); err != nil {
		return chat.Message{}, err
	}

	now := s.clock.Now().UTC()
	if now.Before(session.LastActivityAt) {
		now = session.LastActivityAt
	}
	msg.OrganizationID = session.OrganizationID
	msg.SessionID = session.ID
	msg.CreatedAt = now

	result, err := s.appendWithRetry(ctx, msg)
	if err != nil {
		return chat.Message{}, err
	}
	if !result.created {
		if result.message.SessionID != session.ID || result.message.SenderID != msg.SenderID {
			s.logger.Warn("message id reused by another sender or session",
				slog.String("session_id", session.ID),
				slog.String("message_id", msg.ID),
			)
			return chat.Message{}, chat.ErrMessageIDConflict
		}
		s.logger.Debug("duplicate message ignored",
			slog.String("session_id", session.ID),
			slog.String("message_id", msg.ID),
		)
		return result.message, nil
	}
	stored := result.message

	if session.Status == chat.StatusWaiting && stored.SenderType == chat.SenderClient && s.assigner != nil {
		_, _, err := s.assigner.Assign(ctx, session)
		switch {
		case errors.Is(err, chat.ErrSessionConflict):
			s.logger.Debug("session assigned elsewhere", slog.String("session_id", session.ID))
		case err != nil:
			s.logger.Warn("assign on inbound message",
				slog.String("session_id", session.ID),
				slog.Any("error", err),
			)
		}
	}

	if err := s.meta.UpdateSessionSummary(ctx, session.ID, stored.Preview(), stored.CreatedAt); err != nil {
		s.logger.Warn("update session summary",
			slog.String("session_id", session.ID),
			slog.Any("error", err),
		)
	}

	s.publish(ctx, event.New(session.OrganizationID, stored.CreatedAt, event.NewMessage{
		SessionID:  session.ID,
		MessageID:  stored.ID,
		SenderID:   stored.SenderID,
		SenderType: stored.SenderType,
		Content:    stored.Content,
		CreatedAt:  stored.CreatedAt,
	}), sessionRooms(session)...)
	return stored, nil
}

// appendWithRetry retries store outages with exponential backoff. The append
// is idempotent by message id, so a retry after an ambiguous failure never
// duplicates.
func (s *Service) appendWithRetry(ctx context.Context, msg chat.Message) (appendResult, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.AppendInitialInterval

	attempt := 0
	result, err := backoff.Retry(ctx, func() (appendResult, error) {
		attempt++
		stored, created, err := s.log.AppendMessage(ctx, msg.OrganizationID, msg.SessionID, msg)
		if err != nil {
			if errors.Is(err, chat.ErrStoreUnavailable) {
				return appendResult{}, err
			}
			return appendResult{}, backoff.Permanent(err)
		}
		return appendResult{message: stored, created: created}, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(s.cfg.AppendMaxAttempts),
	)
	if err != nil {
		s.logger.Error("append message failed",
			slog.String("session_id", msg.SessionID),
			slog.String("message_id", msg.ID),
			slog.Int("attempts", attempt),
			slog.Any("error", err),
		)
		return appendResult{}, fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	return result, nil
}
