package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chat-gateway/internal/auth"
	"github.com/adred-codev/chat-gateway/internal/dispatch"
	"github.com/adred-codev/chat-gateway/internal/heartbeat"
	"github.com/adred-codev/chat-gateway/internal/kv"
	"github.com/adred-codev/chat-gateway/internal/model"
	"github.com/adred-codev/chat-gateway/internal/protocol"
	"github.com/adred-codev/chat-gateway/internal/ratelimit"
	"github.com/adred-codev/chat-gateway/internal/registry"
	"github.com/adred-codev/chat-gateway/internal/stream"
)

func newTestServer(t *testing.T) (*httptest.Server, *Gateway) {
	t.Helper()
	store := kv.NewMemoryStore()
	limiter := ratelimit.New(store, ratelimit.DefaultConfig())
	hbEngine := heartbeat.New(time.Hour, time.Hour, zerolog.Nop())

	var reg *registry.Registry
	startHB := func(conn *registry.Connection) context.CancelFunc {
		return hbEngine.Start(conn.ClientID, conn, func() {})
	}
	reg = registry.New(limiter, 20, startHB, zerolog.Nop())

	streamEngine := stream.New(model.NewChunkingClient(4), time.Millisecond, zerolog.Nop())
	dispatcher := dispatch.New(reg, limiter, streamEngine, dispatch.DefaultConfig(), zerolog.Nop())

	verifier := auth.NewMockVerifier(map[string]auth.Identity{
		"good-token": {UserID: "user-1", Class: auth.ClassAuthenticated},
	})

	gw := New(verifier, limiter, reg, dispatcher, hbEngine, nil, nil, zerolog.Nop())

	mux := http.NewServeMux()
	gw.Mount(mux, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, gw
}

func TestServeWSRejectsMissingClientID(t *testing.T) {
	srv, _ := newTestServer(t)
	url := wsURL(srv.URL) + "/ws?token=good-token"

	conn, _, _, err := ws.DefaultDialer.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, op, err := wsutil.ReadServerData(conn)
	if err != nil && op != ws.OpClose {
		t.Fatalf("expected a close frame, got err=%v op=%v", err, op)
	}
}

func TestServeWSAdmitsAndEchoesChat(t *testing.T) {
	srv, _ := newTestServer(t)
	url := wsURL(srv.URL) + "/ws?token=good-token&client_id=c1"

	conn, _, _, err := ws.DefaultDialer.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	welcomeData, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	var welcome protocol.Frame
	if err := json.Unmarshal(welcomeData, &welcome); err != nil {
		t.Fatalf("unmarshal welcome: %v", err)
	}
	if welcome.Type != protocol.TypeWelcome {
		t.Fatalf("expected welcome frame, got %s", welcome.Type)
	}

	chatMsg, _ := json.Marshal(map[string]any{"type": "chat", "content": "hi"})
	if err := wsutil.WriteClientMessage(conn, ws.OpText, chatMsg); err != nil {
		t.Fatalf("write chat: %v", err)
	}

	echoData, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	var echo protocol.Frame
	if err := json.Unmarshal(echoData, &echo); err != nil {
		t.Fatalf("unmarshal echo: %v", err)
	}
	if echo.Content != "hi" {
		t.Fatalf("expected echoed content 'hi', got %v", echo.Content)
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}
