package models

import (
	"errors"
	"time"
)

// Chat represents a conversation container owned by a single user. It provides identification,
// ownership and labeling for organizing message threads.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// ScoredChat is a Chat matched by a search query, with the relevance score used for ordering.
type ScoredChat struct {
	Chat
	RelevanceScore float64 `json:"relevanceScore"`
}

// Message represents an individual communication entry within a chat. Messages are created once
// and never mutated; they are removed only when their chat is deleted.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message written by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the agent.
	RoleAssistant Role = "assistant"

	// DefaultChatTitle is the title given to chats created without one. Chats still carrying it
	// receive a generated title from their first message.
	DefaultChatTitle = "New Chat"
)

var (
	// ErrNotFound is returned when a chat or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when a chat exists but belongs to another user.
	ErrForbidden = errors.New("forbidden")
)

// Valid reports whether r is one of the roles a stored message may carry.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}
