// Package core defines the value types shared across the memory service:
// session identity, chat turns, and embedded memory fragments.
package core

import (
	"errors"
	"fmt"
	"time"
)

// Turn roles. A turn is either something the user said or something the
// assistant answered; there is no system role in the stored log.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrInvalidSessionKey is returned when a session key component is empty.
var ErrInvalidSessionKey = errors.New("session key requires non-empty user and chat IDs")

// SessionKey identifies one conversation: a (user, chat) pair.
//
// It is a comparable value type so it can key maps directly. Identity is
// derived from both components, never from string concatenation, so
// ("a_1","2") and ("a","1_2") are distinct sessions.
type SessionKey struct {
	UserID string
	ChatID string
}

// NewSessionKey validates and builds a session key.
func NewSessionKey(userID, chatID string) (SessionKey, error) {
	if userID == "" || chatID == "" {
		return SessionKey{}, ErrInvalidSessionKey
	}
	return SessionKey{UserID: userID, ChatID: chatID}, nil
}

// String renders the key for logging.
func (k SessionKey) String() string {
	return fmt.Sprintf("%s/%s", k.UserID, k.ChatID)
}

// ChatTurn is one message in a conversation. Turns are append-only and
// TurnNumber equals the turn's 1-based position in the session log.
type ChatTurn struct {
	Role          string    `json:"role"`
	Text          string    `json:"text"`
	TurnNumber    int       `json:"turn_number"`
	HasAttachment bool      `json:"has_attachment"`
	AttachmentRef string    `json:"attachment_ref,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Fragment is a chunk of turn text stored with its embedding for retrieval.
//
// Seq is the fragment's insertion index within its VectorMemory; it orders
// exports and breaks retrieval-distance ties (earlier fragment wins).
type Fragment struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Role      string    `json:"role"`
	Turn      int       `json:"turn"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Embedding []float32 `json:"embedding,omitempty"`
}
