// Package id mints the prefixed identifiers the workbench hands out.
package id

import (
	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// NewThreadID identifies one workbench session towards the telemetry sink.
func NewThreadID() string {
	return "thread-" + ksuid.New().String()
}

// NewMessageID names an assistant message. KSUIDs sort by creation time, so
// artifacts listed by message come out in stream order.
func NewMessageID() string {
	return "msg-" + ksuid.New().String()
}

// NewChatID names a stored conversation.
func NewChatID() string {
	v7, err := uuid.NewV7()
	if err != nil {
		return "chat-" + uuid.NewString()
	}
	return "chat-" + v7.String()
}
