// Package stream implements the spec's component F: orchestrating a
// chunked model response as a stream_start/stream/stream_end frame
// sequence, with single-flight enforcement per connection (spec §4.F).
package stream

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chat-gateway/internal/model"
	"github.com/adred-codev/chat-gateway/internal/protocol"
)

// Conn is the subset of registry.Connection the stream engine writes
// through and uses for single-flight bookkeeping.
type Conn interface {
	WriteFrame(frame protocol.Frame) error
	TryStartStream(cancel context.CancelFunc) bool
	StopStream()
}

// Engine runs stream_start → stream* → stream_end sequences against a
// model.Client.
type Engine struct {
	client     model.Client
	chunkDelay time.Duration
	logger     zerolog.Logger
}

// New builds an Engine. chunkDelay approximates natural streaming pace
// between chunks (spec §4.F: "~50ms").
func New(client model.Client, chunkDelay time.Duration, logger zerolog.Logger) *Engine {
	if chunkDelay <= 0 {
		chunkDelay = 50 * time.Millisecond
	}
	return &Engine{client: client, chunkDelay: chunkDelay, logger: logger}
}

// Start attempts to begin a stream for content on conn. It returns false
// without emitting anything if a stream is already active on this
// connection (the dispatcher is expected to emit the "active stream
// already in progress" error frame in that case). onDone, if non-nil, runs
// once the stream loop exits for any reason (completion, error, or
// cancellation) — the dispatcher uses it to move the connection back to
// CONNECTED.
func (e *Engine) Start(ctx context.Context, conn Conn, clientID, userID, content string, onDone func()) bool {
	streamCtx, cancel := context.WithCancel(ctx)
	if !conn.TryStartStream(cancel) {
		cancel()
		return false
	}

	go e.run(streamCtx, cancel, conn, clientID, userID, content, onDone)
	return true
}

func (e *Engine) run(ctx context.Context, cancel context.CancelFunc, conn Conn, clientID, userID, content string, onDone func()) {
	defer cancel()
	defer conn.StopStream()
	if onDone != nil {
		defer onDone()
	}

	ack := protocol.Frame{
		Type:      protocol.TypeStreamStart,
		Content:   "",
		ClientID:  clientID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}
	if err := conn.WriteFrame(ack); err != nil {
		return
	}

	chunks, errc := e.client.Stream(ctx, content)

	for {
		select {
		case <-ctx.Done():
			// Connection left STREAMING or was cancelled: stop silently,
			// no stream_end per spec §4.F.
			return

		case err, ok := <-errc:
			if !ok {
				// Closed with no error: success signal, keep draining chunks.
				errc = nil
				continue
			}
			if err != nil {
				e.logger.Debug().Str("client_id", clientID).Err(err).Msg("model stream failed")
				conn.WriteFrame(protocol.NewError("model stream failed", "stream_error"))
				return
			}

		case chunk, ok := <-chunks:
			if !ok {
				if ctx.Err() != nil {
					// The model client closed its channel because of the
					// cancellation: no stream_end.
					return
				}
				e.finish(conn, clientID, userID)
				return
			}

			delta := protocol.StreamDelta{}
			delta.ContentBlockDelta.Type = "text"
			delta.ContentBlockDelta.Text = chunk

			frame := protocol.Frame{
				Type:      protocol.TypeStream,
				Content:   delta,
				ClientID:  clientID,
				UserID:    userID,
				Timestamp: time.Now().UTC(),
			}
			if err := conn.WriteFrame(frame); err != nil {
				return
			}

			select {
			case <-time.After(e.chunkDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) finish(conn Conn, clientID, userID string) {
	frame := protocol.Frame{
		Type:      protocol.TypeStreamEnd,
		Content:   "",
		ClientID:  clientID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}
	conn.WriteFrame(frame)
}
