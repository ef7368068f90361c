package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/internal/store"
)

const messageColumns = `organization_id, id, session_id, sender_id, sender_type, content, created_at`

func scanMessage(row rowScanner) (chat.Message, error) {
	var (
		msg        chat.Message
		senderType string
		createdAt  int64
	)
	if err := row.Scan(
		&msg.OrganizationID,
		&msg.ID,
		&msg.SessionID,
		&msg.SenderID,
		&senderType,
		&msg.Content,
		&createdAt,
	); err != nil {
		return chat.Message{}, err
	}
	msg.SenderType = chat.SenderType(senderType)
	msg.CreatedAt = fromNanos(createdAt)
	return msg, nil
}

func (s *Store) AppendMessage(ctx context.Context, organizationID, sessionID string, msg chat.Message) (chat.Message, bool, error) {
	if err := s.ready(ctx); err != nil {
		return chat.Message{}, false, err
	}
	msg.OrganizationID = organizationID
	msg.SessionID = sessionID
	msg.CreatedAt = msg.CreatedAt.UTC()

	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(organization_id, id) DO NOTHING`,
		organizationID, msg.ID, sessionID, msg.SenderID, string(msg.SenderType), msg.Content, toNanos(msg.CreatedAt),
	)
	if err != nil {
		return chat.Message{}, false, store.Unavailable("append message", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return msg, true, nil
	}

	existing, err := scanMessage(s.sqlDB.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE organization_id = ? AND id = ?`,
		organizationID, msg.ID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, false, store.ErrNotFound
	}
	if err != nil {
		return chat.Message{}, false, store.Unavailable("append message", err)
	}
	return existing, false, nil
}

func (s *Store) ListMessages(ctx context.Context, organizationID, sessionID string, since time.Time) ([]chat.Message, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		  WHERE organization_id = ? AND session_id = ? AND created_at >= ?
		  ORDER BY created_at ASC, id ASC`,
		organizationID, sessionID, toNanos(since),
	)
	if err != nil {
		return nil, store.Unavailable("list messages", err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, store.Unavailable("list messages", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("list messages", err)
	}
	return messages, nil
}
