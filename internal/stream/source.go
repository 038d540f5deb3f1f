package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/mnlima/huddle/internal/api"
	"github.com/mnlima/huddle/internal/bus"
	"github.com/mnlima/huddle/internal/config"
	"github.com/mnlima/huddle/internal/status"
	"go.uber.org/zap"
)

// Source delivers normalized backend events onto the bus. It owns two
// subscriptions: a global one covering chat-list changes for the lifetime of
// the session, and a scoped one covering message-level events for the
// currently selected chat.
type Source interface {
	// Run establishes the global subscription and blocks until ctx is done,
	// reconnecting internally on transport failure.
	Run(ctx context.Context) error

	// SetChat switches the scoped subscription to the given chat, tearing
	// down the previous one first. An empty id closes the scoped
	// subscription without opening a new one.
	SetChat(chatID string)
}

// degradedAfter is the number of consecutive reconnect failures before the
// session is reported as degraded.
const degradedAfter = 3

// New selects a Source implementation from configuration.
func New(cfg *config.Config, token string, client *api.Client, b *bus.Bus, machine *status.Machine, logger *zap.Logger) (Source, error) {
	reconnect := time.Duration(cfg.Stream.ReconnectDelayMS) * time.Millisecond
	switch cfg.Stream.Transport {
	case config.TransportWebSocket:
		return NewWebSocketSource(cfg.Server.WSURL, token, reconnect, b, machine, logger), nil
	case config.TransportPoll:
		interval := time.Duration(cfg.Stream.PollIntervalMS) * time.Millisecond
		return NewPollSource(client, interval, reconnect, b, machine, logger), nil
	default:
		return nil, fmt.Errorf("unknown stream transport %q", cfg.Stream.Transport)
	}
}
