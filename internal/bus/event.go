package bus

import "time"

// Kind identifies an event family on the bus. Subscribers filter by prefix,
// so "stream." matches every event published by the update source.
type Kind = string

// Event kinds published within the daemon.
const (
	// Published by the update source (internal/stream).
	KindStreamConnected    Kind = "stream.connected"
	KindStreamDisconnected Kind = "stream.disconnected"
	KindStreamMessage      Kind = "stream.message"
	KindStreamMessageRead  Kind = "stream.message_read"
	KindStreamChatList     Kind = "stream.chatlist_changed"

	// Published by the reconciliation engine (internal/sync).
	KindMessageUpserted Kind = "message.upserted"
	KindMessageRemoved  Kind = "message.removed"
	KindChatUpdated     Kind = "chat.updated"
	KindChatListUpdated Kind = "chatlist.updated"

	// Published by the outbox sender.
	KindMessageSendFailed Kind = "message.send_failed"

	// Published by the status machine.
	KindStatusChanged Kind = "session.status_changed"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}
