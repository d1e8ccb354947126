package heartbeat

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chat-gateway/internal/protocol"
)

type fakeConn struct {
	mu        sync.Mutex
	lastSeen  time.Time
	pings     int32
	failWrite bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{lastSeen: time.Now()}
}

func (f *fakeConn) WriteFrame(frame protocol.Frame) error {
	if f.failWrite {
		return assertErr
	}
	atomic.AddInt32(&f.pings, 1)
	return nil
}

func (f *fakeConn) LastSeen() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSeen
}

func (f *fakeConn) touch() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeen = time.Now()
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

var assertErr = simpleErr("write failed")

func TestHeartbeatTimesOutWithoutPong(t *testing.T) {
	e := New(30*time.Millisecond, 100*time.Millisecond, zerolog.Nop())
	conn := newFakeConn()
	conn.lastSeen = time.Now().Add(-time.Hour) // already stale

	var timedOut int32
	cancel := e.Start("c1", conn, func() { atomic.StoreInt32(&timedOut, 1) })
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&timedOut) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected heartbeat to time out")
}

func TestHeartbeatSurvivesPong(t *testing.T) {
	e := New(30*time.Millisecond, 200*time.Millisecond, zerolog.Nop())
	conn := newFakeConn()
	conn.lastSeen = time.Now().Add(-time.Hour)

	var timedOut int32
	cancel := e.Start("c1", conn, func() { atomic.StoreInt32(&timedOut, 1) })
	defer cancel()

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				conn.touch()
			}
		}
	}()
	defer close(stop)

	time.Sleep(300 * time.Millisecond)
	if atomic.LoadInt32(&timedOut) == 1 {
		t.Fatal("expected heartbeat not to time out while pongs keep arriving")
	}
}

func TestHeartbeatCancelStopsPromptly(t *testing.T) {
	e := New(20*time.Millisecond, 50*time.Millisecond, zerolog.Nop())
	conn := newFakeConn()

	var timedOut int32
	cancel := e.Start("c1", conn, func() { atomic.StoreInt32(&timedOut, 1) })
	cancel()

	time.Sleep(150 * time.Millisecond)
	if atomic.LoadInt32(&timedOut) == 1 {
		t.Fatal("onTimeout should not fire after cancellation")
	}
}
