// Package heartbeat implements the spec's component D: a per-connection
// ping/pong liveness loop run as its own task, cancelled promptly on
// disconnect (spec §4.D, §5).
package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chat-gateway/internal/protocol"
)

// Conn is the subset of registry.Connection the heartbeat engine needs.
// Kept as an interface so the engine can be tested without a real socket.
type Conn interface {
	WriteFrame(frame protocol.Frame) error
	LastSeen() time.Time
}

// Engine sends application-level pings and disconnects connections that
// go quiet for longer than PingTimeout.
type Engine struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	Logger       zerolog.Logger
}

// New builds an Engine, defaulting to the spec's production values (20s
// interval, 20s timeout) when a zero value is passed.
func New(pingInterval, pingTimeout time.Duration, logger zerolog.Logger) *Engine {
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	if pingTimeout <= 0 {
		pingTimeout = 20 * time.Second
	}
	return &Engine{PingInterval: pingInterval, PingTimeout: pingTimeout, Logger: logger}
}

// Start launches the heartbeat loop for conn in its own goroutine and
// returns a cancel function. onTimeout is invoked exactly once, from the
// heartbeat goroutine, if the client goes quiet past PingTimeout after a
// ping; it is expected to drive the connection's single Disconnect path.
func (e *Engine) Start(clientID string, conn Conn, onTimeout func()) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())

	go e.run(ctx, clientID, conn, onTimeout)

	return cancel
}

func (e *Engine) run(ctx context.Context, clientID string, conn Conn, onTimeout func()) {
	ticker := time.NewTicker(e.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(conn.LastSeen()) < e.PingInterval {
				// Client has been active within the interval; skip the
				// round trip, the connection is demonstrably alive.
				continue
			}

			if err := conn.WriteFrame(protocol.NewPing()); err != nil {
				e.Logger.Debug().Str("client_id", clientID).Err(err).Msg("heartbeat ping write failed")
				onTimeout()
				return
			}

			if !e.awaitPong(ctx, conn) {
				e.Logger.Debug().Str("client_id", clientID).Msg("heartbeat timeout, no pong received")
				onTimeout()
				return
			}
		}
	}
}

// awaitPong polls LastSeen until it advances past the moment the ping was
// sent, or PingTimeout elapses.
func (e *Engine) awaitPong(ctx context.Context, conn Conn) bool {
	deadline := time.Now().Add(e.PingTimeout)
	sentAt := time.Now()
	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return true // cancellation, not a timeout; caller already unwinding
		case <-poll.C:
			if conn.LastSeen().After(sentAt) {
				return true
			}
			if time.Now().After(deadline) {
				return false
			}
		}
	}
}
