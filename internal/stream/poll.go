package stream

import (
	"context"
	"sync"
	"time"

	"github.com/mnlima/huddle/internal/api"
	"github.com/mnlima/huddle/internal/bus"
	"github.com/mnlima/huddle/internal/status"
	"go.uber.org/zap"
)

// PollSource synthesizes the same event set as the push stream by
// periodically re-fetching the chat list and the selected chat's messages
// and diffing against the previous snapshot. It is the fallback transport
// for backends without a push channel.
type PollSource struct {
	client    *api.Client
	interval  time.Duration
	reconnect time.Duration
	b         *bus.Bus
	machine   *status.Machine
	logger    *zap.Logger

	mu       sync.Mutex
	selected string

	// Previous snapshots, keyed by id. A nil map means the scope has not
	// been primed yet; the first poll only records state.
	chatStamps map[string]chatStamp
	msgStamps  map[string]bool // message id -> read flag, selected chat only
}

type chatStamp struct {
	lastMessageAt int64
	updatedAt     int64
	unread        int
}

// NewPollSource creates a polling update source.
func NewPollSource(client *api.Client, interval, reconnect time.Duration, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *PollSource {
	return &PollSource{
		client:    client,
		interval:  interval,
		reconnect: reconnect,
		b:         b,
		machine:   machine,
		logger:    logger,
	}
}

// Run polls until ctx is done. A failed poll counts as a disconnection; the
// first successful poll after failures re-emits Connected so the engine
// resyncs, mirroring the push transport's reconnect behavior.
func (p *PollSource) Run(ctx context.Context) error {
	_ = p.machine.Transition(status.Connecting)
	_ = p.machine.Transition(status.Syncing)
	publish(p.b, Connected{})

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				failures++
				p.logger.Warn("poll failed", zap.Error(err), zap.Int("failures", failures))
				if failures == 1 {
					publish(p.b, Disconnected{Err: err})
					_ = p.machine.Transition(status.Reconnecting)
				}
				if failures >= degradedAfter {
					_ = p.machine.Transition(status.Degraded)
				}
				continue
			}
			if failures > 0 {
				failures = 0
				_ = p.machine.Transition(status.Syncing)
				publish(p.b, Connected{})
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetChat switches the scoped polling to the given chat. The message
// snapshot resets so the next poll primes against the new chat instead of
// leaking diffs across chats.
func (p *PollSource) SetChat(chatID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selected = chatID
	p.msgStamps = nil
}

func (p *PollSource) pollOnce(ctx context.Context) error {
	if err := p.pollChats(ctx); err != nil {
		return err
	}
	return p.pollMessages(ctx)
}

func (p *PollSource) pollChats(ctx context.Context) error {
	chats, err := p.client.ListChats(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	prev := p.chatStamps
	next := make(map[string]chatStamp, len(chats))
	for i := range chats {
		c := &chats[i]
		next[c.ID] = chatStamp{lastMessageAt: c.LastMessageAt, updatedAt: c.UpdatedAt, unread: c.Unread}
	}
	p.chatStamps = next
	p.mu.Unlock()

	if prev == nil {
		return nil
	}
	for id, stamp := range next {
		old, ok := prev[id]
		if !ok || old != stamp {
			publish(p.b, ChatListChanged{ChatID: id})
		}
	}
	return nil
}

func (p *PollSource) pollMessages(ctx context.Context) error {
	p.mu.Lock()
	chatID := p.selected
	p.mu.Unlock()
	if chatID == "" {
		return nil
	}

	msgs, err := p.client.ListMessages(ctx, chatID, "")
	if err != nil {
		return err
	}

	p.mu.Lock()
	// The selected chat may have changed while the fetch was in flight;
	// diffing a stale response against the new chat's snapshot would leak
	// events across chats.
	if p.selected != chatID {
		p.mu.Unlock()
		return nil
	}
	prev := p.msgStamps
	next := make(map[string]bool, len(msgs))
	for i := range msgs {
		next[msgs[i].ID.Value()] = msgs[i].Read
	}
	p.msgStamps = next
	p.mu.Unlock()

	if prev == nil {
		return nil
	}
	for i := range msgs {
		m := &msgs[i]
		wasRead, known := prev[m.ID.Value()]
		switch {
		case !known:
			publish(p.b, NewMessage{ChatID: chatID, MessageID: m.ID.Value()})
		case !wasRead && m.Read:
			// Emitted only on the unread-to-read transition, never as a
			// reconfirmation.
			readAt := m.ReadAt
			if readAt == 0 {
				readAt = time.Now().UnixMilli()
			}
			publish(p.b, MessageRead{MessageID: m.ID.Value(), ReadAt: readAt})
		}
	}
	return nil
}
