package registry

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chat-gateway/internal/auth"
	"github.com/adred-codev/chat-gateway/internal/protocol"
	"github.com/adred-codev/chat-gateway/internal/ratelimit"
)

// ErrClientIDInUse is returned by Connect when clientId is already live
// (spec §3 invariant: the set of live client_ids is a function).
var ErrClientIDInUse = errors.New("registry: client_id already in use")

// ErrUserMismatch is returned by Reconnect when the resuming userId does
// not match the original connection's userId.
var ErrUserMismatch = errors.New("registry: user_id mismatch on reconnect")

// HeartbeatStarter begins the heartbeat task for a freshly admitted or
// reconnected connection and returns a function that cancels it. Injected
// so component D stays independently testable while the spec's "Connect
// ... starts heartbeat" wording is honored here in C.
type HeartbeatStarter func(conn *Connection) context.CancelFunc

// Registry is the spec's ConnectionRegistry (component C).
type Registry struct {
	mu         sync.Mutex
	byClientID map[string]*Connection
	byUserID   map[string]map[string]struct{}
	byIP       map[string]map[string]struct{}

	history *History
	limiter *ratelimit.Limiter
	startHB HeartbeatStarter
	logger  zerolog.Logger
}

// New builds a Registry. startHeartbeat is called (outside the registry
// lock) every time Connect or Reconnect brings a connection to CONNECTED.
func New(limiter *ratelimit.Limiter, maxHistory int, startHeartbeat HeartbeatStarter, logger zerolog.Logger) *Registry {
	return &Registry{
		byClientID: make(map[string]*Connection),
		byUserID:   make(map[string]map[string]struct{}),
		byIP:       make(map[string]map[string]struct{}),
		history:    NewHistory(maxHistory),
		limiter:    limiter,
		startHB:    startHeartbeat,
		logger:     logger,
	}
}

// Connect admits a new connection per spec §4.C. The caller (the gateway)
// has already run CheckConnectionLimit and token verification; Connect
// re-validates clientId uniqueness under its own lock (the only source of
// truth for the live set) and performs the counter increment so the two
// never drift.
func (r *Registry) Connect(ctx context.Context, clientID, userID, ip string, class auth.ClientClass, conn net.Conn) (*Connection, error) {
	r.mu.Lock()
	if _, exists := r.byClientID[clientID]; exists {
		r.mu.Unlock()
		return nil, ErrClientIDInUse
	}

	c := newConnection(clientID, userID, ip, class, conn)
	r.byClientID[clientID] = c
	r.indexAdd(r.byUserID, userID, clientID)
	r.indexAdd(r.byIP, ip, clientID)
	r.mu.Unlock()

	if err := r.limiter.IncrementConnectionCount(ctx, clientID, userID, ip); err != nil {
		r.mu.Lock()
		delete(r.byClientID, clientID)
		r.indexRemove(r.byUserID, userID, clientID)
		r.indexRemove(r.byIP, ip, clientID)
		r.mu.Unlock()
		return nil, err
	}

	c.setState(StateConnected)
	c.setHeartbeatCancel(r.startHB(c))
	return c, nil
}

// Reconnect implements spec §4.C's resume path: validate the owner,
// retire the old socket, swap in the new one, restart the heartbeat, and
// return the missed history frames for the caller to deliver.
func (r *Registry) Reconnect(ctx context.Context, clientID, userID string, conn net.Conn) (*Connection, []protocol.Frame, error) {
	r.mu.Lock()
	existing, found := r.byClientID[clientID]
	r.mu.Unlock()

	if !found {
		c, err := r.Connect(ctx, clientID, userID, clientIPOf(conn), auth.ClassAuthenticated, conn)
		return c, nil, err
	}

	if existing.UserID != userID {
		return nil, nil, ErrUserMismatch
	}

	existing.cancelHeartbeat()
	existing.Close(protocol.CloseNormal, "reconnected")

	lastSeen := existing.LastMessageID()
	existing.swapSocket(conn)
	existing.setState(StateConnected)
	existing.setHeartbeatCancel(r.startHB(existing))

	replay, ok := r.history.Since(lastSeen)
	if !ok {
		return existing, nil, nil
	}
	return existing, replay, nil
}

func clientIPOf(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

// Get looks up a live connection by client_id.
func (r *Registry) Get(clientID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byClientID[clientID]
	return c, ok
}

// Disconnect implements spec §4.C: idempotent, transitions through
// DISCONNECTING, cancels heartbeat/stream, removes indices, releases
// counters exactly once, and closes the socket.
func (r *Registry) Disconnect(ctx context.Context, clientID string, code protocol.CloseCode, reason string) {
	r.mu.Lock()
	c, ok := r.byClientID[clientID]
	if !ok {
		r.mu.Unlock()
		return
	}
	c.setState(StateDisconnecting)
	delete(r.byClientID, clientID)
	r.indexRemove(r.byUserID, c.UserID, clientID)
	r.indexRemove(r.byIP, c.IPAddress, clientID)
	r.mu.Unlock()

	c.cancelHeartbeat()
	c.CancelActiveStream()

	if err := r.limiter.ReleaseConnection(ctx, clientID, c.UserID, c.IPAddress); err != nil {
		r.logger.Warn().Err(err).Str("client_id", clientID).Msg("release connection counters failed")
	}

	c.Close(code, reason)
	c.setState(StateDisconnected)
}

// SendMessage writes frame to a single connection by client_id. On write
// failure, the connection is scheduled for asynchronous cleanup so the
// caller's goroutine is never blocked waiting on a dead socket's cleanup.
func (r *Registry) SendMessage(ctx context.Context, clientID string, frame protocol.Frame) bool {
	c, ok := r.Get(clientID)
	if !ok {
		return false
	}
	if err := c.WriteFrame(frame); err != nil {
		go r.Disconnect(ctx, clientID, protocol.CloseAbnormal, "write error")
		return false
	}
	if isHistoryWorthy(frame.Type) {
		r.history.Append(frame)
	}
	return true
}

// Broadcast delivers frame to every live connection except excludeClientID
// (if non-empty). Per-client write failures do not abort delivery to the
// rest (spec §4.C).
func (r *Registry) Broadcast(ctx context.Context, frame protocol.Frame, excludeClientID string) {
	r.mu.Lock()
	targets := make([]*Connection, 0, len(r.byClientID))
	for id, c := range r.byClientID {
		if id == excludeClientID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.Unlock()

	if isHistoryWorthy(frame.Type) {
		r.history.Append(frame)
	}

	for _, c := range targets {
		if err := c.WriteFrame(frame); err != nil {
			go r.Disconnect(ctx, c.ClientID, protocol.CloseAbnormal, "write error")
		}
	}
}

func isHistoryWorthy(frameType string) bool {
	switch frameType {
	case protocol.TypePing, protocol.TypePong:
		return false
	default:
		return true
	}
}

// ActiveCount reports the number of live connections, surfaced by
// /ws/status.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byClientID)
}

// HistoryLength reports the number of retained history frames, surfaced
// by /ws/status.
func (r *Registry) HistoryLength() int {
	return r.history.Len()
}

func (r *Registry) indexAdd(index map[string]map[string]struct{}, key, clientID string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[clientID] = struct{}{}
}

func (r *Registry) indexRemove(index map[string]map[string]struct{}, key, clientID string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, clientID)
	if len(set) == 0 {
		delete(index, key)
	}
}
