package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/internal/store"
)

// MessageLog implements store.MessageLog. Each partition is kept sorted by
// (created_at, id).
type MessageLog struct {
	mu         sync.RWMutex
	partitions map[tenantKey][]chat.Message
	byID       map[tenantKey]chat.Message
}

// NewMessageLog returns an empty log.
func NewMessageLog() *MessageLog {
	return &MessageLog{
		partitions: make(map[tenantKey][]chat.Message),
		byID:       make(map[tenantKey]chat.Message),
	}
}

func (l *MessageLog) AppendMessage(_ context.Context, organizationID, sessionID string, msg chat.Message) (chat.Message, bool, error) {
	msg.OrganizationID = organizationID
	msg.SessionID = sessionID
	msg.CreatedAt = msg.CreatedAt.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	idKey := tenantKey{organizationID, msg.ID}
	if existing, ok := l.byID[idKey]; ok {
		return existing, false, nil
	}

	part := tenantKey{organizationID, sessionID}
	messages := l.partitions[part]
	at := sort.Search(len(messages), func(i int) bool { return msg.Before(messages[i]) })
	messages = append(messages, chat.Message{})
	copy(messages[at+1:], messages[at:])
	messages[at] = msg
	l.partitions[part] = messages
	l.byID[idKey] = msg
	return msg, true, nil
}

func (l *MessageLog) ListMessages(_ context.Context, organizationID, sessionID string, since time.Time) ([]chat.Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	messages := l.partitions[tenantKey{organizationID, sessionID}]
	out := make([]chat.Message, 0, len(messages))
	for _, msg := range messages {
		if !since.IsZero() && msg.CreatedAt.Before(since) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

var _ store.MessageLog = (*MessageLog)(nil)
