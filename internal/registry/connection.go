// Package registry implements the spec's component C: the in-process
// table of live connections, their per-user/per-IP indices, and the
// bounded message history used to replay missed frames on reconnect.
package registry

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/chat-gateway/internal/auth"
	"github.com/adred-codev/chat-gateway/internal/protocol"
)

// State is one point in a connection's lifecycle (spec §3).
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateStreaming
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateStreaming:
		return "STREAMING"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Connection is the ConnectionMetadata of spec §3, plus the live socket it
// owns. All fields mutated outside the owning receive-loop goroutine go
// through atomics or the embedded mutex, per spec §5.
type Connection struct {
	ClientID  string
	UserID    string
	IPAddress string
	Class     auth.ClientClass

	ConnectedAt time.Time

	conn      net.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once

	state    atomic.Int32
	lastSeen atomic.Value // time.Time

	lastMessageID atomic.Value // string

	heartbeatCancel context.CancelFunc

	streamMu     sync.Mutex
	streamActive bool
	streamCancel context.CancelFunc
}

func newConnection(clientID, userID, ip string, class auth.ClientClass, conn net.Conn) *Connection {
	c := &Connection{
		ClientID:    clientID,
		UserID:      userID,
		IPAddress:   ip,
		Class:       class,
		ConnectedAt: time.Now().UTC(),
		conn:        conn,
	}
	c.state.Store(int32(StateConnecting))
	c.lastSeen.Store(c.ConnectedAt)
	c.lastMessageID.Store("")
	return c
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// SetState transitions the connection's lifecycle state. Exported for the
// dispatcher, which owns the CONNECTED<->STREAMING transition around a
// stream's lifetime (spec §4.F).
func (c *Connection) SetState(s State) {
	c.setState(s)
}

// LastSeen returns the last instant a frame was received from this
// connection's client (spec §3's last_seen field).
func (c *Connection) LastSeen() time.Time {
	return c.lastSeen.Load().(time.Time)
}

// MarkAlive records client activity. Called by the dispatcher for every
// inbound frame, including pong replies, so the heartbeat engine can tell
// a quiet-but-alive client from a dead one.
func (c *Connection) MarkAlive() {
	c.lastSeen.Store(time.Now().UTC())
}

// LastMessageID returns the message_id of the last frame carrying one that
// was written to this connection, used to resume replay on reconnect.
func (c *Connection) LastMessageID() string {
	return c.lastMessageID.Load().(string)
}

func (c *Connection) setLastMessageID(id string) {
	if id != "" {
		c.lastMessageID.Store(id)
	}
}

// WriteFrame serializes and writes a single frame. Writes are serialized
// by writeMu so the receive loop, heartbeat, and stream engine can all
// write to the same socket without interleaving partial frames (spec §5).
func (c *Connection) WriteFrame(frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := wsutil.WriteServerMessage(c.conn, ws.OpText, data); err != nil {
		return err
	}
	if frame.MessageID != "" {
		c.setLastMessageID(frame.MessageID)
	}
	return nil
}

// Close sends a close frame (best-effort; none for CloseAbnormal, which is
// never sent) and closes the underlying socket exactly once, regardless of
// how many cleanup paths race to call it.
func (c *Connection) Close(code protocol.CloseCode, reason string) {
	c.closeOnce.Do(func() {
		if code != protocol.CloseAbnormal {
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			closeFrame := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
			wsutil.WriteServerMessage(c.conn, ws.OpClose, closeFrame)
			c.writeMu.Unlock()
		}
		c.conn.Close()
	})
}

// setHeartbeatCancel stores the cancel function for this connection's
// heartbeat task, so Disconnect can stop it promptly.
func (c *Connection) setHeartbeatCancel(cancel context.CancelFunc) {
	c.heartbeatCancel = cancel
}

func (c *Connection) cancelHeartbeat() {
	if c.heartbeatCancel != nil {
		c.heartbeatCancel()
	}
}

// TryStartStream enforces the single-flight rule of spec §4.F: at most
// one active stream per connection. Returns false if a stream is already
// active.
func (c *Connection) TryStartStream(cancel context.CancelFunc) bool {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if c.streamActive {
		return false
	}
	c.streamActive = true
	c.streamCancel = cancel
	return true
}

// StopStream clears the single-flight flag, allowing a new stream_start.
func (c *Connection) StopStream() {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	c.streamActive = false
	c.streamCancel = nil
}

// CancelActiveStream requests cancellation of whatever stream is running,
// used by Disconnect to unwind a STREAMING connection.
func (c *Connection) CancelActiveStream() {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if c.streamCancel != nil {
		c.streamCancel()
	}
}

// swapSocket replaces the live socket on a Reconnect, after the old one
// has already been closed by the caller.
func (c *Connection) swapSocket(conn net.Conn) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn = conn
	c.closeOnce = sync.Once{}
}

// Socket returns the underlying net.Conn for the receive loop to read
// from. Only the owning goroutine calls this.
func (c *Connection) Socket() net.Conn {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn
}
