package domain

import "time"

// Outbound event names. Within one turn, EventMessageCreated always precedes
// the first delta, and exactly one terminal event closes the turn.
const (
	EventChatCreated           = "chat_created"
	EventMessageCreated        = "message_created"
	EventAssistantTyping       = "assistant_typing"
	EventAssistantDelta        = "assistant_delta"
	EventAssistantComplete     = "assistant_complete"
	EventAssistantError        = "assistant_error"
	EventAssistantRegenerating = "assistant_regenerating"
	EventAssistantRegenerated  = "assistant_regenerated"
	EventUsageInfo             = "usage_info"
)

// ChatCreatedEvent announces a chat implicitly created by a first message.
type ChatCreatedEvent struct {
	ChatID string `json:"chat_id"`
	Title  string `json:"title"`
	Model  string `json:"model"`
}

// MessageCreatedEvent echoes a persisted message back to its author.
type MessageCreatedEvent struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TypingEvent signals that the assistant is about to stream.
type TypingEvent struct {
	ChatID string `json:"chat_id"`
}

// DeltaEvent carries one streamed fragment of the assistant reply.
// ReplaceOfMessageID is set only while regenerating.
type DeltaEvent struct {
	ChatID             string `json:"chat_id"`
	Delta              string `json:"delta"`
	ReplaceOfMessageID string `json:"replace_of_message_id,omitempty"`
}

// CompleteEvent is the terminal success event for a turn.
type CompleteEvent struct {
	ChatID             string    `json:"chat_id"`
	MessageID          string    `json:"message_id"`
	Content            string    `json:"content"`
	Role               Role      `json:"role"`
	CreatedAt          time.Time `json:"created_at"`
	ReplaceOfMessageID string    `json:"replace_of_message_id,omitempty"`
}

// ErrorEvent is the terminal failure event for a turn.
type ErrorEvent struct {
	ChatID   string `json:"chat_id,omitempty"`
	Error    string `json:"error"`
	Code     string `json:"code"`
	Provider string `json:"provider,omitempty"`
	Status   int    `json:"status,omitempty"`
}

// RegeneratingEvent announces a regeneration turn.
type RegeneratingEvent struct {
	ChatID             string `json:"chat_id"`
	ReplaceOfMessageID string `json:"replace_of_message_id"`
}
