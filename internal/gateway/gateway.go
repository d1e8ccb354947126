// Package gateway implements the spec's component G: the WebSocket
// upgrade endpoint that authenticates, admits, and wires every other
// component together, plus the supporting /ws/status, /healthz, and
// /metrics surfaces (spec §4.G, §6).
package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chat-gateway/internal/auth"
	"github.com/adred-codev/chat-gateway/internal/dispatch"
	"github.com/adred-codev/chat-gateway/internal/heartbeat"
	"github.com/adred-codev/chat-gateway/internal/metrics"
	"github.com/adred-codev/chat-gateway/internal/protocol"
	"github.com/adred-codev/chat-gateway/internal/ratelimit"
	"github.com/adred-codev/chat-gateway/internal/registry"
	"github.com/adred-codev/chat-gateway/internal/replica"
)

// Gateway is the spec's Gateway endpoint (component G).
type Gateway struct {
	verifier   auth.Verifier
	limiter    *ratelimit.Limiter
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	heartbeat  *heartbeat.Engine
	connGuard  *ratelimit.ConnRateLimiter
	broadcast  *replica.Broadcaster
	logger     zerolog.Logger
}

// New wires A-F behind a single upgrade handler. broadcast may be nil
// when running without cross-replica fan-out.
func New(
	verifier auth.Verifier,
	limiter *ratelimit.Limiter,
	reg *registry.Registry,
	dispatcher *dispatch.Dispatcher,
	hb *heartbeat.Engine,
	connGuard *ratelimit.ConnRateLimiter,
	broadcast *replica.Broadcaster,
	logger zerolog.Logger,
) *Gateway {
	g := &Gateway{
		verifier:   verifier,
		limiter:    limiter,
		registry:   reg,
		dispatcher: dispatcher,
		heartbeat:  hb,
		connGuard:  connGuard,
		broadcast:  broadcast,
		logger:     logger,
	}
	dispatcher.SetBroadcastHook(g.PublishCrossReplica)
	return g
}

// ServeWS implements the upgrade steps of spec §4.G.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ip := ratelimit.ClientIP(r)
	if g.connGuard != nil && !g.connGuard.Allow(ip) {
		metrics.ConnectionsRejected.WithLabelValues("flood").Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
			token = strings.TrimPrefix(authz, "Bearer ")
		}
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		metrics.ConnectionsRejected.WithLabelValues("missing_client_id").Inc()
		g.rejectBeforeUpgrade(w, r, protocol.ClosePolicyViolation, protocol.ReasonMissingClientID)
		return
	}
	if token == "" {
		metrics.ConnectionsRejected.WithLabelValues("missing_token").Inc()
		g.rejectBeforeUpgrade(w, r, protocol.ClosePolicyViolation, protocol.ReasonMissingToken)
		return
	}

	ctx := r.Context()
	identity, err := g.verifier.Verify(ctx, token)
	if err != nil {
		reason := reasonForAuthError(err)
		metrics.ConnectionsRejected.WithLabelValues("auth").Inc()
		g.rejectBeforeUpgrade(w, r, protocol.ClosePolicyViolation, reason)
		return
	}

	allow, reason, err := g.limiter.CheckConnectionLimit(ctx, clientID, identity.UserID, ip)
	if err != nil {
		g.logger.Warn().Err(err).Msg("connection limit check failed")
		metrics.ConnectionsRejected.WithLabelValues("internal_error").Inc()
		g.rejectBeforeUpgrade(w, r, protocol.CloseInternalError, protocol.ReasonInternalError)
		return
	}
	if !allow {
		metrics.ConnectionsRejected.WithLabelValues("connection_limit").Inc()
		g.rejectBeforeUpgrade(w, r, protocol.ClosePolicyViolation, reason)
		return
	}

	socket, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn, err := g.registry.Connect(ctx, clientID, identity.UserID, ip, identity.Class, socket)
	if err != nil {
		if err == registry.ErrClientIDInUse {
			metrics.ConnectionsRejected.WithLabelValues("client_id_in_use").Inc()
			closeAndDrop(socket, protocol.ClosePolicyViolation, protocol.ReasonClientIDInUse)
			return
		}
		g.logger.Warn().Err(err).Str("client_id", clientID).Msg("registry connect failed")
		metrics.ConnectionsRejected.WithLabelValues("internal_error").Inc()
		closeAndDrop(socket, protocol.CloseInternalError, protocol.ReasonInternalError)
		return
	}

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	if err := conn.WriteFrame(protocol.NewWelcome(clientID, identity.UserID)); err != nil {
		g.registry.Disconnect(ctx, clientID, protocol.CloseAbnormal, "welcome write failed")
		return
	}

	g.receiveLoop(ctx, conn)
}

// receiveLoop delegates every inbound frame to E until the socket closes
// or produces an unrecoverable error (spec §4.G step 7).
func (g *Gateway) receiveLoop(ctx context.Context, conn *registry.Connection) {
	defer g.registry.Disconnect(ctx, conn.ClientID, protocol.CloseAbnormal, "read loop exited")

	socket := conn.Socket()
	for {
		data, op, err := wsutil.ReadClientData(socket)
		if err != nil {
			return
		}
		if op == ws.OpClose {
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		g.dispatcher.Handle(ctx, conn, data)
	}
}

// rejectBeforeUpgrade completes the handshake and immediately sends a
// close frame carrying the intended code and reason. The WebSocket
// protocol has no way to fail a handshake with an application-level close
// code, so the only way to hand the client a canonical reason string is
// to upgrade first and close right away (spec §4.G steps 2-5).
func (g *Gateway) rejectBeforeUpgrade(w http.ResponseWriter, r *http.Request, code protocol.CloseCode, reason string) {
	socket, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		http.Error(w, reason, http.StatusBadRequest)
		return
	}
	closeAndDrop(socket, code, reason)
}

func reasonForAuthError(err error) string {
	switch err.(type) {
	case auth.ErrExpiredToken:
		return protocol.ReasonTokenExpired
	case auth.ErrNoSubject:
		return protocol.ReasonInvalidToken
	default:
		return protocol.ReasonInvalidToken
	}
}

// PublishCrossReplica forwards a locally broadcast chat frame to other
// replicas over NATS, when cross-replica fan-out is configured.
func (g *Gateway) PublishCrossReplica(frame protocol.Frame) {
	if g.broadcast == nil {
		return
	}
	if err := g.broadcast.Publish(frame); err != nil {
		g.logger.Warn().Err(err).Msg("cross-replica publish failed")
	}
}

// OnRemoteBroadcast is registered with the replica.Broadcaster so frames
// published by other replicas reach this replica's local connections.
func (g *Gateway) OnRemoteBroadcast(frame protocol.Frame) {
	g.registry.Broadcast(context.Background(), frame, "")
}

// Sweep runs the connection-rate guard's periodic stale-bucket eviction.
// Intended to be invoked on a ticker by the caller.
func (g *Gateway) Sweep() {
	if g.connGuard != nil {
		g.connGuard.Sweep()
	}
}

func closeAndDrop(socket net.Conn, code protocol.CloseCode, reason string) {
	closeFrame := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	wsutil.WriteServerMessage(socket, ws.OpClose, closeFrame)
	socket.Close()
}
