// Package dispatch implements the spec's component E: the inbound frame
// validation pipeline and the per-type routing table (spec §4.E).
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chat-gateway/internal/protocol"
	"github.com/adred-codev/chat-gateway/internal/ratelimit"
	"github.com/adred-codev/chat-gateway/internal/registry"
	"github.com/adred-codev/chat-gateway/internal/stream"
)

// Config bounds inbound chat message size (spec §6).
type Config struct {
	MaxMessageLength int
}

// DefaultConfig returns the spec's default of 1 MiB.
func DefaultConfig() Config {
	return Config{MaxMessageLength: 1 << 20}
}

// Dispatcher is the spec's MessageDispatcher (component E).
type Dispatcher struct {
	registry    *registry.Registry
	limiter     *ratelimit.Limiter
	stream      *stream.Engine
	config      Config
	logger      zerolog.Logger
	onBroadcast func(protocol.Frame)
}

// New builds a Dispatcher wired to the registry, rate limiter, and stream
// engine it routes into.
func New(reg *registry.Registry, limiter *ratelimit.Limiter, streamEngine *stream.Engine, config Config, logger zerolog.Logger) *Dispatcher {
	if config.MaxMessageLength <= 0 {
		config = DefaultConfig()
	}
	return &Dispatcher{registry: reg, limiter: limiter, stream: streamEngine, config: config, logger: logger}
}

// SetBroadcastHook registers a callback invoked with every locally
// originated chat frame after it has been delivered to this replica's own
// connections, so the caller can fan it out cross-replica (component G's
// NATS broadcaster) without the dispatcher needing to know that exists.
func (d *Dispatcher) SetBroadcastHook(fn func(protocol.Frame)) {
	d.onBroadcast = fn
}

// Handle runs the validation pipeline of spec §4.E against one inbound
// frame and routes it to the matching typed handler.
func (d *Dispatcher) Handle(ctx context.Context, conn *registry.Connection, raw []byte) {
	conn.MarkAlive()

	var frame protocol.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		d.sendError(conn, "invalid JSON", "")
		return
	}

	if frame.Type == "" {
		d.sendError(conn, "type is required", "")
		return
	}

	state := conn.State()
	if state != registry.StateConnected && state != registry.StateStreaming {
		d.logger.Debug().Str("client_id", conn.ClientID).Str("state", state.String()).Msg("dropping frame for connection outside CONNECTED/STREAMING")
		return
	}

	isSystem := frame.Type == protocol.TypeSystem
	allow, reason, err := d.limiter.CheckMessageLimit(ctx, conn.ClientID, conn.UserID, conn.IPAddress, conn.Class, isSystem)
	if err != nil {
		d.logger.Warn().Err(err).Str("client_id", conn.ClientID).Msg("rate limit check failed")
		d.sendError(conn, "store unavailable", "downstream_error")
		return
	}
	if !allow {
		d.sendError(conn, reason, "rate_limited")
		return
	}

	d.route(ctx, conn, frame)

	if !isSystem {
		if err := d.limiter.IncrementMessageCount(ctx, conn.ClientID, conn.UserID, conn.IPAddress); err != nil {
			d.logger.Warn().Err(err).Str("client_id", conn.ClientID).Msg("increment message count failed")
		}
	}
}

func (d *Dispatcher) route(ctx context.Context, conn *registry.Connection, frame protocol.Frame) {
	switch {
	case frame.Type == protocol.TypePing:
		d.registry.SendMessage(ctx, conn.ClientID, protocol.NewPong())

	case frame.Type == protocol.TypePong:
		// No-op: MarkAlive already recorded the activity above.

	case protocol.IsChat(frame.Type):
		d.handleChat(ctx, conn, frame)

	case frame.Type == protocol.TypeTyping:
		d.registry.SendMessage(ctx, conn.ClientID, protocol.Frame{
			Type:      protocol.TypeTyping,
			Content:   frame.Content,
			ClientID:  conn.ClientID,
			Timestamp: time.Now().UTC(),
		})

	case frame.Type == protocol.TypeSystem:
		d.registry.SendMessage(ctx, conn.ClientID, protocol.Frame{
			Type:      protocol.TypeSystem,
			Content:   "ack",
			Metadata:  frame.Metadata,
			Timestamp: time.Now().UTC(),
		})

	case frame.Type == protocol.TypeStreamStart:
		d.handleStreamStart(ctx, conn, frame)

	case frame.Type == protocol.TypeStream:
		// Relaying a delta is only meaningful while STREAMING; the
		// dispatcher itself never originates deltas (the stream engine
		// does), so an inbound "stream" frame from the client is simply
		// rejected outside that state.
		if conn.State() != registry.StateStreaming {
			d.sendError(conn, "no active stream", "")
		}

	case frame.Type == protocol.TypeStreamEnd:
		conn.CancelActiveStream()

	default:
		d.sendError(conn, "unknown message type", "")
	}
}

func (d *Dispatcher) handleChat(ctx context.Context, conn *registry.Connection, frame protocol.Frame) {
	content, ok := frame.Content.(string)
	if !ok {
		d.sendError(conn, "chat content must be a string", "")
		return
	}
	if len(content) == 0 || len(content) > d.config.MaxMessageLength {
		d.sendError(conn, "message size exceeds limit", "")
		return
	}

	enriched := protocol.Frame{
		Type:      frame.Type,
		Content:   content,
		UserID:    conn.UserID,
		SenderID:  conn.ClientID,
		MessageID: protocol.NewMessageID(),
		Timestamp: time.Now().UTC(),
	}

	d.registry.SendMessage(ctx, conn.ClientID, enriched)
	d.registry.Broadcast(ctx, enriched, conn.ClientID)
	if d.onBroadcast != nil {
		d.onBroadcast(enriched)
	}
}

func (d *Dispatcher) handleStreamStart(ctx context.Context, conn *registry.Connection, frame protocol.Frame) {
	content, ok := frame.Content.(string)
	if !ok || len(content) == 0 {
		d.sendError(conn, "stream_start requires non-empty content", "")
		return
	}

	conn.SetState(registry.StateStreaming)
	started := d.stream.Start(ctx, conn, conn.ClientID, conn.UserID, content, func() {
		conn.SetState(registry.StateConnected)
	})
	if !started {
		// A stream is already active: its own goroutine still owns the
		// STREAMING state and will revert to CONNECTED via onDone when it
		// finishes. Leaving the state alone here, rather than reverting
		// it early, keeps "stream" relay frames from being rejected for
		// the remainder of that stream's lifetime.
		d.sendError(conn, "active stream already in progress", "")
	}
}

func (d *Dispatcher) sendError(conn *registry.Connection, reason, errorType string) {
	conn.WriteFrame(protocol.NewError(reason, errorType))
}
