package registry

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chat-gateway/internal/auth"
	"github.com/adred-codev/chat-gateway/internal/kv"
	"github.com/adred-codev/chat-gateway/internal/protocol"
	"github.com/adred-codev/chat-gateway/internal/ratelimit"
)

func noopHeartbeat(_ *Connection) context.CancelFunc {
	return func() {}
}

func newTestRegistry(t *testing.T) (*Registry, func()) {
	t.Helper()
	store := kv.NewMemoryStore()
	limiter := ratelimit.New(store, ratelimit.DefaultConfig())
	reg := New(limiter, 10, noopHeartbeat, zerolog.Nop())
	return reg, func() {}
}

// pipeConn drains whatever the registry writes so WriteFrame never blocks.
func pipeConn(t *testing.T) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server
}

func TestConnectRejectsDuplicateClientID(t *testing.T) {
	reg, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	_, err := reg.Connect(ctx, "c1", "user1", "1.2.3.4", auth.ClassAuthenticated, pipeConn(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = reg.Connect(ctx, "c1", "user1", "1.2.3.4", auth.ClassAuthenticated, pipeConn(t))
	if err != ErrClientIDInUse {
		t.Fatalf("expected ErrClientIDInUse, got %v", err)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	reg, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	_, err := reg.Connect(ctx, "c1", "user1", "1.2.3.4", auth.ClassAuthenticated, pipeConn(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reg.Disconnect(ctx, "c1", protocol.CloseNormal, "bye")
	reg.Disconnect(ctx, "c1", protocol.CloseNormal, "bye")

	if reg.ActiveCount() != 0 {
		t.Fatalf("expected 0 active connections, got %d", reg.ActiveCount())
	}

	// Reconnecting after full disconnect must succeed (no leaked reservation).
	_, err = reg.Connect(ctx, "c1", "user1", "1.2.3.4", auth.ClassAuthenticated, pipeConn(t))
	if err != nil {
		t.Fatalf("expected reuse of client_id after disconnect, got %v", err)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	reg, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	sender, err := reg.Connect(ctx, "sender", "user1", "1.1.1.1", auth.ClassAuthenticated, pipeConn(t))
	if err != nil {
		t.Fatalf("connect sender: %v", err)
	}
	other, err := reg.Connect(ctx, "other", "user2", "2.2.2.2", auth.ClassAuthenticated, pipeConn(t))
	if err != nil {
		t.Fatalf("connect other: %v", err)
	}

	frame := protocol.Frame{Type: protocol.TypeChat, Content: "hi", MessageID: "m1", Timestamp: time.Now().UTC()}
	reg.Broadcast(ctx, frame, "sender")

	if sender.LastMessageID() != "" {
		t.Fatalf("expected sender to be excluded, but it received %q", sender.LastMessageID())
	}
	if other.LastMessageID() != "m1" {
		t.Fatalf("expected other to receive m1, got %q", other.LastMessageID())
	}

	if reg.HistoryLength() != 1 {
		t.Fatalf("expected broadcast to be recorded once in history, got %d", reg.HistoryLength())
	}
}

func TestReconnectReplaysOnlyWithinWindow(t *testing.T) {
	reg, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	conn, err := reg.Connect(ctx, "c1", "user1", "1.2.3.4", auth.ClassAuthenticated, pipeConn(t))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	f1 := protocol.Frame{Type: protocol.TypeChat, Content: "one", MessageID: "m1", Timestamp: time.Now().UTC()}
	f2 := protocol.Frame{Type: protocol.TypeChat, Content: "two", MessageID: "m2", Timestamp: time.Now().UTC()}
	reg.Broadcast(ctx, f1, "")
	reg.Broadcast(ctx, f2, "")

	if err := conn.WriteFrame(f1); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, replay, err := reg.Reconnect(ctx, "c1", "user1", pipeConn(t))
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if len(replay) != 1 || replay[0].MessageID != "m2" {
		t.Fatalf("expected replay of exactly [m2], got %+v", replay)
	}
}

func TestReconnectRejectsUserMismatch(t *testing.T) {
	reg, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := reg.Connect(ctx, "c1", "user1", "1.2.3.4", auth.ClassAuthenticated, pipeConn(t)); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, _, err := reg.Reconnect(ctx, "c1", "someone-else", pipeConn(t))
	if err != ErrUserMismatch {
		t.Fatalf("expected ErrUserMismatch, got %v", err)
	}
}
