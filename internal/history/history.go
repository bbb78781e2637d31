// Package history stores chat transcripts that accompany telemetry uploads.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a chat id is unknown.
var ErrNotFound = errors.New("chat not found")

// Message is one chat turn.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Chat is a stored conversation.
type Chat struct {
	ID          string    `json:"id"`
	URLID       string    `json:"urlId,omitempty"`
	Description string    `json:"description,omitempty"`
	Messages    []Message `json:"messages"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store reads and writes chats.
type Store interface {
	Get(ctx context.Context, chatID string) (*Chat, error)
	Put(ctx context.Context, chat *Chat) error
}

// Clone returns a deep copy of c.
func (c *Chat) Clone() *Chat {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	return &out
}

// Append adds messages to a chat in store, creating the chat when missing.
func Append(ctx context.Context, store Store, chatID string, msgs ...Message) error {
	chat, err := store.Get(ctx, chatID)
	if errors.Is(err, ErrNotFound) {
		chat = &Chat{ID: chatID}
	} else if err != nil {
		return err
	}
	chat.Messages = append(chat.Messages, msgs...)
	chat.UpdatedAt = time.Now()
	return store.Put(ctx, chat)
}
