package chat

import (
	"strings"
	"time"
	"unicode/utf8"
)

// SenderType identifies which side of a conversation wrote a message.
type SenderType string

const (
	SenderClient SenderType = "client"
	SenderAgent  SenderType = "agent"
)

// Valid reports whether t is a known sender type.
func (t SenderType) Valid() bool {
	return t == SenderClient || t == SenderAgent
}

const previewRunes = 140

// Message is one immutable chat utterance. ID is supplied by the sender so
// that retried submissions collapse into a single log entry.
type Message struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"sessionId"`
	OrganizationID string     `json:"organizationId"`
	SenderID       string     `json:"senderId"`
	SenderType     SenderType `json:"senderType"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Before reports whether m sorts before other in a session's total order:
// created_at first, id breaking ties.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Preview returns the truncated content used as a session summary.
func (m Message) Preview() string {
	content := strings.TrimSpace(m.Content)
	if utf8.RuneCountInString(content) <= previewRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewRunes]) + "…"
}
