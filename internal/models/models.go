package models

import "time"

// ─── WhatsApp inbound payload ────────────────────────────────────────────────

type WAPayload struct {
	Object string    `json:"object"`
	Entry  []WAEntry `json:"entry"`
}

type WAEntry struct {
	Changes []WAChange `json:"changes"`
}

type WAChange struct {
	Value WAValue `json:"value"`
}

type WAValue struct {
	Messages []WAMessage `json:"messages"`
}

type WAMessage struct {
	From string  `json:"from"` // phone number, used as conversation ID
	ID   string  `json:"id"`   // wamid — used for idempotency and reply threading
	Type string  `json:"type"` // "text", "image", etc.
	Text *WAText `json:"text,omitempty"`
}

type WAText struct {
	Body string `json:"body"`
}

// ─── Conversation history ────────────────────────────────────────────────────

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationTurn is one entry in a sender's append-only history.
type ConversationTurn struct {
	ID             string    `db:"id"`
	ConversationID string    `db:"conversation_id"`
	Role           string    `db:"role"` // "user" | "assistant"
	Content        string    `db:"content"`
	CreatedAt      time.Time `db:"created_at"`
}
