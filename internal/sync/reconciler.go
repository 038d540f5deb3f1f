// Package sync holds the reconciliation core: the canonical in-memory view
// of chats and messages, merged from bulk loads, stream events, and local
// optimistic writes, with best-effort write-through to the persistent cache.
package sync

import (
	"sort"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/mnlima/huddle/internal/bus"
	"github.com/mnlima/huddle/internal/store"
	"go.uber.org/zap"
)

// Reconciler owns the canonical chat/message lists. All mutations go through
// its operations; readers get copies. The persistent cache is derived state:
// a failed cache write is logged and the in-memory operation proceeds.
type Reconciler struct {
	mu     stdsync.Mutex
	selfID string
	db     *store.DB
	b      *bus.Bus
	logger *zap.Logger

	chats    map[string]*store.Chat
	messages map[string][]store.Message
	selected string

	// ackedSends holds server ids of own messages whose confirmation has been
	// processed, so the losing side of the response/echo race cannot consume
	// an unrelated in-flight provisional.
	ackedSends map[string]struct{}
}

// NewReconciler creates a reconciler for the given local user.
func NewReconciler(selfID string, db *store.DB, b *bus.Bus, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		selfID:   selfID,
		db:       db,
		b:        b,
		logger:   logger,
		chats:      make(map[string]*store.Chat),
		messages:   make(map[string][]store.Message),
		ackedSends: make(map[string]struct{}),
	}
}

// LoadFromCache primes the in-memory view from the persistent cache so the
// first render never waits on the network.
func (r *Reconciler) LoadFromCache() error {
	chats, err := r.db.ListChats()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range chats {
		c := chats[i]
		r.chats[c.ID] = &c
		msgs, err := r.db.ListMessages(c.ID)
		if err != nil {
			return err
		}
		r.messages[c.ID] = msgs
		r.sortLocked(c.ID)
	}
	return nil
}

// SelectChat records the currently open chat. Bulk loads for any other chat
// are treated as stale and dropped.
func (r *Reconciler) SelectChat(chatID string) {
	r.mu.Lock()
	r.selected = chatID
	r.mu.Unlock()
}

// Selected returns the currently open chat id.
func (r *Reconciler) Selected() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selected
}

// ApplyChatList replaces the chat list with a freshly fetched one. Server
// data wins over anything cached or derived locally.
func (r *Reconciler) ApplyChatList(chats []store.Chat) {
	r.mu.Lock()
	next := make(map[string]*store.Chat, len(chats))
	for i := range chats {
		c := chats[i]
		next[c.ID] = &c
	}
	r.chats = next
	r.mu.Unlock()

	if err := r.db.UpsertChats(chats); err != nil {
		r.cacheFailed("chat list write-through", err)
	} else if err := r.db.SetCheckpoint("last_chatlist_sync", strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		r.cacheFailed("checkpoint write", err)
	}
	r.b.Emit(bus.KindChatListUpdated, nil)
}

// ApplyBulkLoad replaces a chat's working set with a freshly fetched,
// server-ordered list. Provisional entries survive: they belong to in-flight
// sends the server does not know about yet. Returns false when the load is
// stale (the chat is no longer selected) and was dropped.
func (r *Reconciler) ApplyBulkLoad(chatID string, msgs []store.Message) bool {
	r.mu.Lock()
	if r.selected != chatID {
		r.mu.Unlock()
		if r.logger != nil {
			r.logger.Info("dropping stale bulk load", zap.String("chat_id", chatID))
		}
		return false
	}

	merged := make([]store.Message, 0, len(msgs)+1)
	merged = append(merged, msgs...)
	for _, m := range r.messages[chatID] {
		if m.ID.Provisional() {
			merged = append(merged, m)
		}
	}
	r.messages[chatID] = merged
	r.sortLocked(chatID)
	r.refreshChatLocked(chatID)
	r.mu.Unlock()

	if err := r.db.ReplaceChatMessages(chatID, msgs); err != nil {
		r.cacheFailed("bulk load write-through", err)
	}
	r.b.Emit(bus.KindChatUpdated, chatID)
	return true
}

// ApplyOptimisticSend constructs a provisional message for a draft and
// appends it to the chat. It never touches the network; the returned message
// renders immediately with a sending indicator.
func (r *Reconciler) ApplyOptimisticSend(chatID, draft, messageType, replyToID string) store.Message {
	if messageType == "" {
		messageType = "text"
	}
	m := store.Message{
		ID:          store.LocalID(),
		ChatID:      chatID,
		SenderID:    r.selfID,
		Body:        draft,
		MessageType: messageType,
		ReplyToID:   replyToID,
		FromMe:      true,
		Timestamp:   time.Now().UnixMilli(),
	}

	r.mu.Lock()
	r.messages[chatID] = append(r.messages[chatID], m)
	r.sortLocked(chatID)
	r.refreshChatLocked(chatID)
	r.mu.Unlock()

	if err := r.db.UpsertMessage(&m); err != nil {
		r.cacheFailed("optimistic send write-through", err)
	}
	r.b.Emit(bus.KindMessageUpserted, m)
	r.b.Emit(bus.KindChatUpdated, chatID)
	return m
}

// ApplyConfirmedMessage merges a durable message reported by the stream or a
// send response. A confirmed echo of the local user's own send replaces the
// oldest in-flight provisional entry; anything else appends if the id is not
// already present. Duplicate confirmations are ignored.
func (r *Reconciler) ApplyConfirmedMessage(chatID string, m store.Message) {
	m.ChatID = chatID
	m.FromMe = m.SenderID == r.selfID

	r.mu.Lock()
	msgs := r.messages[chatID]
	for i := range msgs {
		if !msgs[i].ID.Provisional() && msgs[i].ID.Value() == m.ID.Value() {
			// A resync bulk load can land the server copy before the send
			// response or stream echo is processed. The first confirmation
			// for an own message still has to consume its in-flight
			// provisional, or the duplicate lingers forever.
			var stale *store.Message
			if m.FromMe {
				if _, acked := r.ackedSends[m.ID.Value()]; !acked {
					r.ackedSends[m.ID.Value()] = struct{}{}
					stale = r.dropOldestProvisionalLocked(chatID)
				}
			}
			r.mu.Unlock()
			if stale != nil {
				if err := r.db.DeleteMessage(chatID, stale.ID); err != nil {
					r.cacheFailed("provisional cleanup", err)
				}
				r.b.Emit(bus.KindMessageRemoved, *stale)
				r.b.Emit(bus.KindChatUpdated, chatID)
			}
			return
		}
	}

	if m.FromMe {
		r.ackedSends[m.ID.Value()] = struct{}{}
	}
	var replaced *store.Message
	if m.FromMe {
		// The oldest provisional is the one this confirmation answers:
		// sends are processed in order, and the race between the send
		// response and the stream echo resolves to whichever arrives first.
		for i := range msgs {
			if msgs[i].ID.Provisional() {
				old := msgs[i]
				replaced = &old
				msgs[i] = m
				break
			}
		}
	}
	if replaced == nil {
		msgs = append(msgs, m)
	}
	r.messages[chatID] = msgs
	r.sortLocked(chatID)

	if chatID == r.selected {
		r.recomputeUnreadLocked(chatID)
	} else if !m.FromMe && !m.Read {
		// History for unopened chats is not loaded, so the full recount is
		// not available; the next chat-list refresh corrects any drift.
		if c := r.chats[chatID]; c != nil {
			c.Unread++
		}
	}
	r.bumpChatPreviewLocked(chatID, &m)
	r.mu.Unlock()

	if replaced != nil {
		if err := r.db.DeleteMessage(chatID, replaced.ID); err != nil {
			r.cacheFailed("provisional cleanup", err)
		}
	}
	if err := r.db.UpsertMessage(&m); err != nil {
		r.cacheFailed("confirmed message write-through", err)
	}
	r.b.Emit(bus.KindMessageUpserted, m)
	r.b.Emit(bus.KindChatUpdated, chatID)
}

// ApplyReadUpdate transitions a message's receipt status. Backward
// transitions are rejected: pending -> delivered -> read is monotonic.
// Returns whether anything changed.
func (r *Reconciler) ApplyReadUpdate(messageID string, newStatus store.ReceiptStatus, readAt int64) bool {
	r.mu.Lock()
	m, chatID := r.findLocked(messageID)
	if m == nil || !m.Status().Before(newStatus) {
		r.mu.Unlock()
		return false
	}

	switch newStatus {
	case store.StatusDelivered:
		m.Delivered = true
	case store.StatusRead:
		m.Delivered = true
		m.Read = true
		if readAt == 0 {
			readAt = time.Now().UnixMilli()
		}
		m.ReadAt = readAt
	}
	updated := *m
	if chatID == r.selected {
		r.recomputeUnreadLocked(chatID)
	}
	r.mu.Unlock()

	if err := r.db.UpsertMessage(&updated); err != nil {
		r.cacheFailed("read update write-through", err)
	}
	r.b.Emit(bus.KindMessageUpserted, updated)
	r.b.Emit(bus.KindChatUpdated, chatID)
	return true
}

// RemoveProvisional rolls back an optimistic entry after a failed send.
// Returns whether the entry existed.
func (r *Reconciler) RemoveProvisional(chatID, localID string) bool {
	r.mu.Lock()
	msgs := r.messages[chatID]
	idx := -1
	for i := range msgs {
		if msgs[i].ID.Provisional() && msgs[i].ID.Value() == localID {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	removed := msgs[idx]
	r.messages[chatID] = append(msgs[:idx], msgs[idx+1:]...)
	r.refreshChatLocked(chatID)
	r.mu.Unlock()

	if err := r.db.DeleteMessage(chatID, removed.ID); err != nil {
		r.cacheFailed("provisional rollback", err)
	}
	r.b.Emit(bus.KindMessageRemoved, removed)
	r.b.Emit(bus.KindChatUpdated, chatID)
	return true
}

// Chats returns the chat list sorted by last activity descending.
func (r *Reconciler) Chats() []store.Chat {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.Chat, 0, len(r.chats))
	for _, c := range r.chats {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt != out[j].LastMessageAt {
			return out[i].LastMessageAt > out[j].LastMessageAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Chat returns one chat, or nil if unknown.
func (r *Reconciler) Chat(chatID string) *store.Chat {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[chatID]
	if !ok {
		return nil
	}
	out := *c
	return &out
}

// Messages returns a chat's messages in display order.
func (r *Reconciler) Messages(chatID string) []store.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.Message, len(r.messages[chatID]))
	copy(out, r.messages[chatID])
	return out
}

// DateGroup is a display bucket of messages sharing a calendar date.
type DateGroup struct {
	Date     string // YYYY-MM-DD, UTC
	Messages []store.Message
}

// MessagesGrouped returns a chat's messages bucketed by calendar date of
// creation, preserving display order.
func (r *Reconciler) MessagesGrouped(chatID string) []DateGroup {
	msgs := r.Messages(chatID)
	var groups []DateGroup
	for _, m := range msgs {
		date := time.UnixMilli(m.Timestamp).UTC().Format("2006-01-02")
		if len(groups) == 0 || groups[len(groups)-1].Date != date {
			groups = append(groups, DateGroup{Date: date})
		}
		g := &groups[len(groups)-1]
		g.Messages = append(g.Messages, m)
	}
	return groups
}

// dayKey buckets a unix-ms timestamp by UTC calendar date.
func dayKey(ts int64) int {
	t := time.UnixMilli(ts).UTC()
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// sortLocked enforces the display ordering: ascending by calendar date, and
// within a date confirmed entries before provisional ones regardless of
// nominal timestamp, because a provisional timestamp is client-clock-derived
// and untrustworthy relative to server time.
func (r *Reconciler) sortLocked(chatID string) {
	msgs := r.messages[chatID]
	sort.SliceStable(msgs, func(i, j int) bool {
		di, dj := dayKey(msgs[i].Timestamp), dayKey(msgs[j].Timestamp)
		if di != dj {
			return di < dj
		}
		pi, pj := msgs[i].ID.Provisional(), msgs[j].ID.Provisional()
		if pi != pj {
			return !pi
		}
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID.Value() < msgs[j].ID.Value()
	})
}

// dropOldestProvisionalLocked removes a chat's oldest in-flight provisional
// entry, returning a copy, or nil when none exists.
func (r *Reconciler) dropOldestProvisionalLocked(chatID string) *store.Message {
	msgs := r.messages[chatID]
	for i := range msgs {
		if msgs[i].ID.Provisional() {
			old := msgs[i]
			r.messages[chatID] = append(msgs[:i], msgs[i+1:]...)
			r.refreshChatLocked(chatID)
			return &old
		}
	}
	return nil
}

// recomputeUnreadLocked rederives a chat's unread counter from its loaded
// message list: messages authored by others with no confirmed read.
func (r *Reconciler) recomputeUnreadLocked(chatID string) {
	c := r.chats[chatID]
	if c == nil {
		return
	}
	unread := 0
	for _, m := range r.messages[chatID] {
		if !m.FromMe && !m.Read {
			unread++
		}
	}
	c.Unread = unread
}

// refreshChatLocked rederives a chat's last-message summary from the tail of
// its message list.
func (r *Reconciler) refreshChatLocked(chatID string) {
	c := r.chats[chatID]
	if c == nil {
		c = &store.Chat{ID: chatID}
		r.chats[chatID] = c
	}
	msgs := r.messages[chatID]
	if len(msgs) == 0 {
		c.LastMessage = ""
		c.LastSender = ""
		return
	}
	last := msgs[len(msgs)-1]
	c.LastMessage = last.Body
	c.LastSender = last.SenderName
	c.LastMessageAt = last.Timestamp
	if chatID == r.selected {
		r.recomputeUnreadLocked(chatID)
	}
}

// bumpChatPreviewLocked advances the chat summary for a newly merged message
// without touching older state.
func (r *Reconciler) bumpChatPreviewLocked(chatID string, m *store.Message) {
	c := r.chats[chatID]
	if c == nil {
		c = &store.Chat{ID: chatID}
		r.chats[chatID] = c
	}
	if m.Timestamp >= c.LastMessageAt {
		c.LastMessage = m.Body
		c.LastSender = m.SenderName
		c.LastMessageAt = m.Timestamp
	}
}

// findLocked locates a message by stable id value across loaded chats.
func (r *Reconciler) findLocked(messageID string) (*store.Message, string) {
	// The selected chat is the overwhelmingly common case.
	if r.selected != "" {
		msgs := r.messages[r.selected]
		for i := range msgs {
			if msgs[i].ID.Value() == messageID {
				return &msgs[i], r.selected
			}
		}
	}
	for chatID, msgs := range r.messages {
		if chatID == r.selected {
			continue
		}
		for i := range msgs {
			if msgs[i].ID.Value() == messageID {
				return &msgs[i], chatID
			}
		}
	}
	return nil, ""
}

func (r *Reconciler) cacheFailed(op string, err error) {
	if r.logger != nil {
		r.logger.Warn("cache write failed", zap.String("op", op), zap.Error(err))
	}
}
