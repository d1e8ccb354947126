// Package replica fans broadcast chat frames out across gateway
// replicas over NATS, so a message sent on one instance reaches clients
// connected to any other. It is purely additive to the in-process
// registry.Broadcast: a replica publishes locally-originated chat frames
// and relays anything it receives back into its own connections.
package replica

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chat-gateway/internal/protocol"
)

const chatSubject = "ws.chat.broadcast"

// Config configures the NATS connection (spec §6's NATS_URL, plus
// reconnect tuning grounded on the teacher's NATS client).
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
}

// DefaultConfig returns sane reconnect defaults.
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		MaxReconnects:   -1, // retry forever
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
	}
}

// envelope wraps a frame with the originating replica's id so a replica
// can ignore its own publications when they echo back.
type envelope struct {
	Origin string         `json:"origin"`
	Frame  protocol.Frame `json:"frame"`
}

// Broadcaster publishes and receives cross-replica chat frames.
type Broadcaster struct {
	conn     *nats.Conn
	sub      *nats.Subscription
	originID string
	logger   zerolog.Logger
}

// Connect dials NATS; call Subscribe to start receiving from the shared
// broadcast subject. originID should be unique per replica (e.g. a hostname or uuid) so the
// replica can filter out its own messages.
func Connect(config Config, originID string, logger zerolog.Logger) (*Broadcaster, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.ReconnectJitter(config.ReconnectJitter, config.ReconnectJitter),
	}

	b := &Broadcaster{originID: originID, logger: logger}

	opts = append(opts,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, err
	}
	b.conn = conn
	return b, nil
}

// Subscribe registers onRemote to be called for every chat frame
// published by another replica. Frames this replica itself published are
// filtered out.
func (b *Broadcaster) Subscribe(onRemote func(frame protocol.Frame)) error {
	sub, err := b.conn.Subscribe(chatSubject, func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Warn().Err(err).Msg("dropping malformed cross-replica frame")
			return
		}
		if env.Origin == b.originID {
			return
		}
		onRemote(env.Frame)
	})
	if err != nil {
		return err
	}
	b.sub = sub
	return nil
}

// Publish broadcasts frame to every other replica. It does not affect
// this replica's own in-process registry.Broadcast delivery.
func (b *Broadcaster) Publish(frame protocol.Frame) error {
	data, err := json.Marshal(envelope{Origin: b.originID, Frame: frame})
	if err != nil {
		return err
	}
	return b.conn.Publish(chatSubject, data)
}

// Close unsubscribes and closes the NATS connection.
func (b *Broadcaster) Close() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}
