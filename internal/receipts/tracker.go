// Package receipts watches which rendered messages are actually visible and
// drives read-state transitions: locally at once, and to the backend in one
// batched report.
package receipts

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/mnlima/huddle/internal/store"
	syncpkg "github.com/mnlima/huddle/internal/sync"
	"go.uber.org/zap"
)

// visibleThreshold is the fraction of a message's area that must be on
// screen before it counts as seen.
const visibleThreshold = 0.6

// flushDelay is the trailing debounce before the batched report goes out, so
// a burst of messages scrolling into view produces one call.
const flushDelay = 200 * time.Millisecond

// ReadReporter is the slice of the backend client the tracker needs.
type ReadReporter interface {
	MarkRead(ctx context.Context, chatID string, messageIDs []string) error
}

// Tracker turns viewport visibility signals into read receipts.
type Tracker struct {
	rec      *syncpkg.Reconciler
	reporter ReadReporter
	logger   *zap.Logger

	mu      stdsync.Mutex
	chatID  string
	visible map[string]float64
	pending []string
	timer   *time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewTracker creates a tracker over the given reconciler.
func NewTracker(rec *syncpkg.Reconciler, reporter ReadReporter, logger *zap.Logger) *Tracker {
	return &Tracker{
		rec:      rec,
		reporter: reporter,
		logger:   logger,
		visible:  make(map[string]float64),
	}
}

// Start binds the tracker's reporting lifetime to ctx.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()
}

// Stop flushes any pending report and stops the tracker.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	t.Flush()
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()
}

// SetChat resets the visibility set for a newly opened chat.
func (t *Tracker) SetChat(chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chatID = chatID
	t.visible = make(map[string]float64)
	t.pending = nil
}

// Observe records a visibility change for a message. Crossing the threshold
// marks an eligible message read locally right away and schedules it for the
// next batched report. Marking an already-read message again is a no-op.
func (t *Tracker) Observe(id store.MessageID, fraction float64) {
	t.mu.Lock()
	chatID := t.chatID
	if chatID == "" {
		t.mu.Unlock()
		return
	}
	t.visible[id.Value()] = fraction
	t.mu.Unlock()

	if fraction < visibleThreshold || id.Provisional() {
		return
	}
	if !t.eligible(chatID, id) {
		return
	}

	// Local state first: the user sees the transition immediately, not
	// after the network call returns.
	if !t.rec.ApplyReadUpdate(id.Value(), store.StatusRead, time.Now().UnixMilli()) {
		return
	}

	t.mu.Lock()
	t.pending = append(t.pending, id.Value())
	if t.timer == nil {
		t.timer = time.AfterFunc(flushDelay, t.Flush)
	} else {
		t.timer.Reset(flushDelay)
	}
	t.mu.Unlock()
}

// eligible reports whether the message should transition: authored by
// someone else and not yet read.
func (t *Tracker) eligible(chatID string, id store.MessageID) bool {
	for _, m := range t.rec.Messages(chatID) {
		if m.ID.Value() == id.Value() {
			return !m.FromMe && !m.Read
		}
	}
	return false
}

// Flush issues one batched mark-read call for everything pending. A failed
// report is logged and re-queued; local state already shows the messages as
// read and the server treats re-reports as no-ops.
func (t *Tracker) Flush() {
	t.mu.Lock()
	ids := t.pending
	chatID := t.chatID
	ctx := t.ctx
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	if len(ids) == 0 || chatID == "" {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if err := t.reporter.MarkRead(ctx, chatID, ids); err != nil {
		t.logger.Warn("read report failed", zap.Error(err), zap.Int("count", len(ids)))
		t.mu.Lock()
		// Only re-queue if the user is still in the same chat. The retry
		// re-arms the debounce timer so it does not wait for the next
		// visibility change; a canceled ctx means shutdown, nothing retries.
		if t.chatID == chatID {
			t.pending = append(ids, t.pending...)
			if ctx.Err() == nil {
				if t.timer == nil {
					t.timer = time.AfterFunc(flushDelay, t.Flush)
				} else {
					t.timer.Reset(flushDelay)
				}
			}
		}
		t.mu.Unlock()
	}
}
