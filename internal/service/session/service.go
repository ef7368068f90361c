// Package session owns the session lifecycle and the inbound message write
// path. Every mutation of one session runs on that session's serial lane.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/raasel/backend/internal/clock"
	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/internal/model/event"
	"github.com/raasel/backend/internal/serial"
	"github.com/raasel/backend/internal/store"
)

const tracerName = "github.com/raasel/backend/internal/service/session"

// Publisher is the part of the fan-out hub the service needs.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event, rooms ...event.Room) error
}

// Assigner binds waiting sessions to agents.
type Assigner interface {
	Assign(ctx context.Context, session chat.Session, exclude ...string) (chat.Session, bool, error)
}

// Config tunes retries and the background sweep.
type Config struct {
	AppendMaxAttempts     uint
	AppendInitialInterval time.Duration
	SweepInterval         time.Duration
}

// Service implements the session state machine on top of the stores.
type Service struct {
	meta      store.MetadataStore
	log       store.MessageLog
	assigner  Assigner
	publisher Publisher
	clock     clock.Clock
	logger    *slog.Logger
	tracer    trace.Tracer
	cfg       Config

	lanes *serial.Executor
}

// NewService wires the session service.
func NewService(meta store.MetadataStore, log store.MessageLog, assigner Assigner, publisher Publisher, clk clock.Clock, logger *slog.Logger, cfg Config) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AppendMaxAttempts == 0 {
		cfg.AppendMaxAttempts = 5
	}
	if cfg.AppendInitialInterval <= 0 {
		cfg.AppendInitialInterval = 100 * time.Millisecond
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Service{
		meta:      meta,
		log:       log,
		assigner:  assigner,
		publisher: publisher,
		clock:     clk,
		logger:    logger.With("component", "session"),
		tracer:    otel.Tracer(tracerName),
		cfg:       cfg,
		lanes:     serial.New(),
	}
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "session."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CreateSession opens a waiting session for client in organizationID. The
// client record is created on first contact.
func (s *Service) CreateSession(ctx context.Context, organizationID string, client chat.Client) (session chat.Session, err error) {
	ctx, span := s.startSpan(ctx, "CreateSession", attribute.String("organization_id", organizationID))
	defer func() { endSpan(span, err) }()

	client.ID = strings.TrimSpace(client.ID)
	if client.ID == "" {
		return chat.Session{}, chat.ErrClientRequired
	}
	if _, err := s.meta.GetOrganization(ctx, organizationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chat.Session{}, chat.ErrTenantNotFound
		}
		return chat.Session{}, fmt.Errorf("load organization %s: %w", organizationID, err)
	}

	client.OrganizationID = organizationID
	if _, err := s.meta.EnsureClient(ctx, client); err != nil {
		return chat.Session{}, fmt.Errorf("ensure client %s: %w", client.ID, err)
	}

	now := s.clock.Now().UTC()
	session = chat.Session{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		ClientID:       client.ID,
		Status:         chat.StatusWaiting,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.meta.CreateSession(ctx, session); err != nil {
		return chat.Session{}, fmt.Errorf("create session: %w", err)
	}
	span.SetAttributes(attribute.String("session_id", session.ID))

	s.logger.Info("session created",
		slog.String("organization_id", organizationID),
		slog.String("session_id", session.ID),
		slog.String("client_id", client.ID),
	)
	s.publish(ctx, event.New(organizationID, now, event.SessionStatusUpdated{
		SessionID: session.ID,
		Status:    chat.StatusWaiting,
	}), event.OrgRoom(organizationID))
	return session, nil
}

// GetSession returns a session visible to actor.
func (s *Service) GetSession(ctx context.Context, actor chat.Actor, sessionID string) (chat.Session, error) {
	session, err := s.load(ctx, actor.OrganizationID, sessionID)
	if err != nil {
		return chat.Session{}, err
	}
	if err := s.authorize(ctx, actor, session, true); err != nil {
		return chat.Session{}, err
	}
	return session, nil
}

// ListMessages returns the history of a session in (created_at, id) order,
// for clients resynchronizing after a reconnect.
func (s *Service) ListMessages(ctx context.Context, actor chat.Actor, sessionID string, since time.Time) ([]chat.Message, error) {
	session, err := s.GetSession(ctx, actor, sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := s.log.ListMessages(ctx, session.OrganizationID, session.ID, since)
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", session.ID, err)
	}
	return messages, nil
}

// load reads a session and hides sessions of other tenants.
func (s *Service) load(ctx context.Context, organizationID, sessionID string) (chat.Session, error) {
	session, err := s.meta.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return chat.Session{}, chat.ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if organizationID != "" && session.OrganizationID != organizationID {
		return chat.Session{}, chat.ErrSessionNotFound
	}
	return session, nil
}

// authorize checks that actor takes part in session. Clients must own it;
// agents must be assigned unless their role oversees the organization.
// With anyAgent set, every agent of the organization is accepted.
func (s *Service) authorize(ctx context.Context, actor chat.Actor, session chat.Session, anyAgent bool) error {
	if actor.OrganizationID != session.OrganizationID {
		return chat.ErrUnauthorized
	}
	switch actor.Type {
	case chat.SenderClient:
		if actor.ID != session.ClientID {
			return chat.ErrUnauthorized
		}
		return nil
	case chat.SenderAgent:
		agent, err := s.meta.GetAgent(ctx, session.OrganizationID, actor.ID)
		if errors.Is(err, store.ErrNotFound) {
			return chat.ErrUnauthorized
		}
		if err != nil {
			return fmt.Errorf("load agent %s: %w", actor.ID, err)
		}
		if anyAgent || agent.Role.Oversees() || session.AgentID == agent.ID {
			return nil
		}
		return chat.ErrUnauthorized
	}
	return chat.ErrUnauthorized
}

func (s *Service) publish(ctx context.Context, ev event.Event, rooms ...event.Room) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev, rooms...); err != nil {
		s.logger.Warn("publish event",
			slog.String("type", string(ev.Type())),
			slog.String("event_id", ev.ID),
			slog.String("session_id", ev.SessionID()),
			slog.Any("error", err),
		)
	}
}

func sessionRooms(session chat.Session) []event.Room {
	return []event.Room{event.SessionRoom(session.ID), event.OrgRoom(session.OrganizationID)}
}
