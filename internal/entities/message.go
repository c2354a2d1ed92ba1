package entities

import "time"

// MessageKind is the shape of an inbound message as delivered by the platform.
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindListReply   MessageKind = "interactive_list_reply"
	KindButtonReply MessageKind = "interactive_button_reply"
	KindMedia       MessageKind = "media"
)

// IsInteractive reports whether Text carries an opaque reply token rather than free text.
func (k MessageKind) IsInteractive() bool {
	return k == KindListReply || k == KindButtonReply
}

// InboundMessage is one validated message extracted from a webhook batch.
type InboundMessage struct {
	ID          string      `json:"id"`
	SenderID    string      `json:"sender_id"` // E.164, e.g. +447911123456
	ContactName string      `json:"contact_name,omitempty"`
	Text        string      `json:"text"`
	Kind        MessageKind `json:"kind"`
	ReceivedAt  time.Time   `json:"received_at"`
}

// QueueEntry wraps an InboundMessage persisted in the stream.
type QueueEntry struct {
	EntryID    string         `json:"-"`
	Message    InboundMessage `json:"message"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Reply is what a handler wants sent back. Text is always set so a list
// reply can be downgraded to plain text.
type Reply struct {
	Text string
	List *ListMessage
}

type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type ListSection struct {
	Title string    `json:"title,omitempty"`
	Rows  []ListRow `json:"rows"`
}

// ListMessage is an interactive list as rendered by the messaging platform.
type ListMessage struct {
	Header   string
	Body     string
	Footer   string
	Button   string
	Sections []ListSection
}
