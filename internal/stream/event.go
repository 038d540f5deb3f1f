// Package stream is the update source: it abstracts over how the backend
// announces changes (websocket push or periodic polling) and emits one
// uniform event set onto the bus. Events are at-most-once; anything missed
// during an outage is recovered by the resync the engine runs on Connected.
package stream

import "github.com/mnlima/huddle/internal/bus"

// Event is a normalized backend event. The set is closed: the parser drops
// anything it does not recognize instead of surfacing it.
type Event interface {
	busKind() bus.Kind
}

// Connected is emitted whenever a subscription is (re-)established. The
// engine answers it with a full resync, because events during the outage
// window are not individually recoverable.
type Connected struct{}

// Disconnected is emitted when the transport drops. The source keeps
// reconnecting on its own; this is informational.
type Disconnected struct {
	Err error
}

// NewMessage announces a durable message. Only the id reference is carried;
// the engine fetches the full body when it needs it.
type NewMessage struct {
	ChatID    string
	MessageID string
}

// MessageRead announces an unread-to-read transition for a message.
type MessageRead struct {
	MessageID string
	ReadAt    int64 // unix ms
}

// ChatListChanged announces that the chat list is stale. The engine refetches
// it wholesale; chat-list churn is too low-frequency to justify patching.
type ChatListChanged struct {
	ChatID string
}

// KeepAlive is a transport heartbeat. Dropped after resetting deadlines.
type KeepAlive struct{}

func (Connected) busKind() bus.Kind       { return bus.KindStreamConnected }
func (Disconnected) busKind() bus.Kind    { return bus.KindStreamDisconnected }
func (NewMessage) busKind() bus.Kind      { return bus.KindStreamMessage }
func (MessageRead) busKind() bus.Kind     { return bus.KindStreamMessageRead }
func (ChatListChanged) busKind() bus.Kind { return bus.KindStreamChatList }
func (KeepAlive) busKind() bus.Kind       { return "" }

func publish(b *bus.Bus, e Event) {
	kind := e.busKind()
	if kind == "" {
		return
	}
	b.Emit(kind, e)
}
