package store

import (
	"encoding/json"

	"github.com/google/uuid"
)

// MessageID identifies a message. A confirmed id was issued by the server and
// is stable; a provisional id was generated locally for an optimistic send and
// is always replaced in place once the server confirms the message. Keeping
// the distinction in the type removes any prefix sniffing from reconciliation.
type MessageID struct {
	v           string
	provisional bool
}

// ServerID wraps a server-issued stable message id.
func ServerID(id string) MessageID {
	return MessageID{v: id}
}

// LocalID generates a fresh provisional id for an optimistic send.
func LocalID() MessageID {
	return MessageID{v: uuid.NewString(), provisional: true}
}

// Value returns the raw id string.
func (id MessageID) Value() string { return id.v }

// Provisional reports whether the id is a local, not-yet-confirmed one.
func (id MessageID) Provisional() bool { return id.provisional }

// IsZero reports whether the id is unset.
func (id MessageID) IsZero() bool { return id.v == "" }

func (id MessageID) String() string {
	if id.provisional {
		return "local:" + id.v
	}
	return id.v
}

// MarshalJSON keeps the provisional distinction when messages cross the local
// API as event payloads.
func (id MessageID) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Value       string `json:"value"`
		Provisional bool   `json:"provisional,omitempty"`
	}{id.v, id.provisional})
}

// ReceiptStatus is the per-recipient delivery state of a message.
// Transitions are monotonic: pending -> delivered -> read, never backward.
type ReceiptStatus string

const (
	StatusPending   ReceiptStatus = "pending"
	StatusDelivered ReceiptStatus = "delivered"
	StatusRead      ReceiptStatus = "read"
)

func (s ReceiptStatus) rank() int {
	switch s {
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return 0
	}
}

// Before reports whether s is an earlier state than other. A transition to
// other is valid only if s.Before(other).
func (s ReceiptStatus) Before(other ReceiptStatus) bool {
	return s.rank() < other.rank()
}

// User is a chat participant.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Label is a user-defined tag applied to chats.
type Label struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Chat is a direct or group conversation as seen by the local user.
type Chat struct {
	ID            string
	Name          string
	IsGroup       bool
	Participants  []User
	Unread        int
	LastMessage   string
	LastSender    string
	LastMessageAt int64 // unix ms
	UpdatedAt     int64 // unix ms
	Labels        []Label
}

// Message is a single chat entry.
type Message struct {
	ID          MessageID
	ChatID      string
	SenderID    string
	SenderName  string
	Body        string
	MessageType string
	Forwarded   bool
	ReplyToID   string
	FromMe      bool
	Delivered   bool
	Read        bool
	ReadAt      int64 // unix ms, 0 while unread
	Timestamp   int64 // creation time, unix ms
}

// Status returns the message's receipt state derived from its flags.
func (m *Message) Status() ReceiptStatus {
	switch {
	case m.Read:
		return StatusRead
	case m.Delivered:
		return StatusDelivered
	default:
		return StatusPending
	}
}

// OutboxEntry is a pending outgoing message in the durable send queue.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	ChatID       string
	Body         string
	MessageType  string
	ReplyToID    string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerMsgID  string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
