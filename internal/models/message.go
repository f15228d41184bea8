package models

// Sender identifies which side of the conversation produced a message.
type Sender string

const (
	// SenderUser marks a message typed by the user. Its content is immutable
	// once appended.
	SenderUser Sender = "user"
	// SenderAssistant marks a message produced by the backend. While a stream
	// is in flight its content accumulates incrementally.
	SenderAssistant Sender = "assistant"
)

// Message is a single entry in the chat transcript. IDs are opaque sequence
// numbers assigned by the transcript, unique within a session and
// monotonically increasing.
type Message struct {
	ID      uint64
	Sender  Sender
	Content string

	// IsError is true when Content describes a failure instead of an answer.
	IsError bool
}
