package stream

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mnlima/huddle/internal/bus"
	"github.com/mnlima/huddle/internal/status"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a control message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// WebSocketSource consumes the backend's push stream. The global connection
// lives for the session; the scoped connection follows the selected chat.
type WebSocketSource struct {
	url       string
	token     string
	reconnect time.Duration
	b         *bus.Bus
	machine   *status.Machine
	logger    *zap.Logger

	mu       sync.Mutex
	runCtx   context.Context
	selected string
	scoped   *scopedConn

	// switchMu serializes SetChat end to end: two interleaved switches could
	// otherwise strand a live scoped connection with no cancel left pointing
	// at it.
	switchMu sync.Mutex
}

type scopedConn struct {
	chatID string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWebSocketSource creates a websocket update source.
func NewWebSocketSource(wsURL, token string, reconnect time.Duration, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *WebSocketSource {
	return &WebSocketSource{
		url:       wsURL,
		token:     token,
		reconnect: reconnect,
		b:         b,
		machine:   machine,
		logger:    logger,
	}
}

// Run maintains the global subscription until ctx is done.
func (s *WebSocketSource) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	selected := s.selected
	s.mu.Unlock()

	if selected != "" {
		s.SetChat(selected)
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_ = s.machine.Transition(status.Connecting)
		conn, err := s.dial(ctx, "")
		if err != nil {
			failures++
			s.logger.Warn("stream connect failed", zap.Error(err), zap.Int("failures", failures))
			publish(s.b, Disconnected{Err: err})
			_ = s.machine.Transition(status.Reconnecting)
			if failures >= degradedAfter {
				_ = s.machine.Transition(status.Degraded)
			}
			if !sleepCtx(ctx, s.reconnect) {
				return ctx.Err()
			}
			continue
		}

		failures = 0
		_ = s.machine.Transition(status.Syncing)
		publish(s.b, Connected{})

		err = s.readLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("stream disconnected", zap.Error(err))
		publish(s.b, Disconnected{Err: err})
		_ = s.machine.Transition(status.Reconnecting)
		if !sleepCtx(ctx, s.reconnect) {
			return ctx.Err()
		}
	}
}

// SetChat switches the scoped subscription. The previous scoped connection is
// fully closed before the new one opens, so events from the old chat cannot
// leak into the new one. Concurrent switches run one at a time.
func (s *WebSocketSource) SetChat(chatID string) {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	s.selected = chatID
	prev := s.scoped
	s.scoped = nil
	runCtx := s.runCtx
	s.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}
	if chatID == "" || runCtx == nil || runCtx.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(runCtx)
	sc := &scopedConn{chatID: chatID, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.scoped = sc
	s.mu.Unlock()

	go s.scopedLoop(ctx, sc)
}

func (s *WebSocketSource) scopedLoop(ctx context.Context, sc *scopedConn) {
	defer close(sc.done)
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := s.dial(ctx, sc.chatID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("scoped stream connect failed", zap.String("chat_id", sc.chatID), zap.Error(err))
			publish(s.b, Disconnected{Err: err})
			if !sleepCtx(ctx, s.reconnect) {
				return
			}
			continue
		}

		publish(s.b, Connected{})
		err = s.readLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("scoped stream disconnected", zap.String("chat_id", sc.chatID), zap.Error(err))
		publish(s.b, Disconnected{Err: err})
		if !sleepCtx(ctx, s.reconnect) {
			return
		}
	}
}

func (s *WebSocketSource) dial(ctx context.Context, chatID string) (*websocket.Conn, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, err
	}
	if chatID != "" {
		q := u.Query()
		q.Set("chatId", chatID)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// readLoop pumps frames from the connection onto the bus until the
// connection fails or ctx is canceled. Pings keep the connection alive the
// way the server expects.
func (s *WebSocketSource) readLoop(ctx context.Context, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		evt, err := ParseFrame(data)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				s.logger.Debug("dropping unknown stream event", zap.Error(err))
			} else {
				s.logger.Warn("dropping malformed stream frame", zap.Error(err))
			}
			continue
		}
		if _, ok := evt.(KeepAlive); ok {
			continue
		}
		publish(s.b, evt)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
