package daemon

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonbridge/moonbridge/pkg/auth"
	"github.com/moonbridge/moonbridge/pkg/config"
	"github.com/moonbridge/moonbridge/pkg/conversation"
	"github.com/moonbridge/moonbridge/pkg/dispatch"
	"github.com/moonbridge/moonbridge/pkg/flow"
	"github.com/moonbridge/moonbridge/pkg/provider"
	"github.com/moonbridge/moonbridge/pkg/providertest"
	"github.com/moonbridge/moonbridge/pkg/router"
	"github.com/moonbridge/moonbridge/pkg/session"
	"github.com/moonbridge/moonbridge/pkg/storage"
	"github.com/moonbridge/moonbridge/pkg/tools"
	"github.com/moonbridge/moonbridge/pkg/types"
)

const testToken = "test-token"

func startDaemon(t *testing.T, mutate func(*config.Config)) (*Daemon, *providertest.Scripted) {
	t.Helper()

	cfg := &config.Config{
		BindHost:            "127.0.0.1",
		BindPort:            0,
		AuthToken:           testToken,
		MaxFrameBytes:       1 << 20,
		GlobalInflightMax:   8,
		ProviderInflightMax: 4,
		SessionInflightMax:  4,
		ToolTimeout:         30 * time.Second,
		DaemonMultiplier:    1.5,
		ShimMultiplier:      2.0,
		ConversationTTL:     3 * time.Hour,
		SessionIdleTTL:      time.Hour,
		ProgressBuffer:      64,
	}
	if mutate != nil {
		mutate(cfg)
	}

	scripted := providertest.New("KIMI", "kimi-k2")
	preg := provider.NewRegistry()
	preg.Register(scripted)
	r := router.New(preg, []router.Preference{{Provider: "KIMI", Models: []string{"kimi-k2"}}})

	store := storage.NewMemoryStore()
	convs := conversation.New(store, storage.NewMemoryDeadLetter(16), cfg.ConversationTTL)

	deps := tools.Deps{
		Router:        r,
		Providers:     preg,
		Conversations: convs,
		Config:        cfg,
		Version:       "test",
		StartedAt:     time.Now(),
	}
	registry := tools.NewRegistry(deps, nil, nil)
	tools.RegisterBuiltin(registry)
	validator, err := tools.NewValidator(registry.Descriptors())
	require.NoError(t, err)

	fc := flow.NewController(cfg.GlobalInflightMax, cfg.ProviderInflightMax, preg.Names(), nil)
	sessions := session.NewManager(cfg.SessionInflightMax, cfg.SessionIdleTTL, nil)
	dispatcher := dispatch.New(cfg, registry, validator, fc, sessions, r, preg)

	tokens := auth.NewTokenManager(testToken, 30*time.Second)
	d := New(cfg, tokens, dispatcher, sessions, registry, preg, "test")

	go func() { _ = d.Serve() }()
	require.Eventually(t, func() bool { return d.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { d.Shutdown(time.Second) })

	return d, scripted
}

func dial(t *testing.T, d *Daemon) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+d.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func hello(t *testing.T, ws *websocket.Conn, token, sessionID string) *types.Frame {
	t.Helper()
	require.NoError(t, ws.WriteJSON(&types.Frame{
		Op:        types.OpHello,
		Token:     token,
		SessionID: sessionID,
		Client:    &types.ClientInfo{Name: "test-client", Version: "1.0"},
	}))
	var resp types.Frame
	require.NoError(t, ws.ReadJSON(&resp))
	return &resp
}

func readUntil(t *testing.T, ws *websocket.Conn, op types.Op, requestID string) *types.Frame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	_ = ws.SetReadDeadline(deadline)
	for {
		var frame types.Frame
		require.NoError(t, ws.ReadJSON(&frame))
		if frame.Op == op && (requestID == "" || frame.RequestID == requestID) {
			return &frame
		}
		require.True(t, time.Now().Before(deadline))
	}
}

func TestHandshake(t *testing.T) {
	d, _ := startDaemon(t, nil)
	ws := dial(t, d)

	ack := hello(t, ws, testToken, "")
	assert.Equal(t, types.OpHelloAck, ack.Op)
	assert.NotEmpty(t, ack.SessionID)
	require.NotNil(t, ack.Server)
	require.NotNil(t, ack.Server.Caps)
	assert.Contains(t, ack.Server.Caps.Tools, "chat")
	assert.Contains(t, ack.Server.Caps.Models, "kimi-k2")
}

func TestHandshakeBadToken(t *testing.T) {
	d, _ := startDaemon(t, nil)
	ws := dial(t, d)

	nak := hello(t, ws, "wrong-token", "")
	assert.Equal(t, types.OpHelloNak, nak.Op)
	assert.NotEmpty(t, nak.Reason)
}

func TestSessionResume(t *testing.T) {
	d, _ := startDaemon(t, nil)

	ws1 := dial(t, d)
	ack1 := hello(t, ws1, testToken, "")
	_ = ws1.Close()

	ws2 := dial(t, d)
	ack2 := hello(t, ws2, testToken, ack1.SessionID)
	assert.Equal(t, types.OpHelloAck, ack2.Op)
	assert.Equal(t, ack1.SessionID, ack2.SessionID)
}

func TestCallToolOverWire(t *testing.T) {
	d, scripted := startDaemon(t, nil)
	scripted.Enqueue(providertest.Step{Text: "over the wire"})

	ws := dial(t, d)
	hello(t, ws, testToken, "")

	require.NoError(t, ws.WriteJSON(&types.Frame{
		Op:        types.OpCallTool,
		RequestID: "r1",
		Tool:      "chat",
		Arguments: map[string]interface{}{"prompt": "hello"},
	}))

	ack := readUntil(t, ws, types.OpAck, "r1")
	assert.Equal(t, "r1", ack.RequestID)

	result := readUntil(t, ws, types.OpResult, "r1")
	value := result.Value.(map[string]interface{})
	assert.Equal(t, "over the wire", value["content"])
	assert.NotEmpty(t, result.ContinuationID)
}

func TestProgressPrecedesTerminal(t *testing.T) {
	d, scripted := startDaemon(t, nil)
	ws := dial(t, d)
	hello(t, ws, testToken, "")

	// Concurrent calls give the write path room to reorder if it can. Every
	// chat call emits at least one progress frame before its result.
	const calls = 20
	for i := 0; i < calls; i++ {
		scripted.Enqueue(providertest.Step{Text: "ok"})
	}
	for i := 0; i < calls; i++ {
		id := string(rune('a' + i))
		require.NoError(t, ws.WriteJSON(&types.Frame{
			Op:        types.OpCallTool,
			RequestID: id,
			Tool:      "chat",
			Arguments: map[string]interface{}{"prompt": "distinct " + id},
		}))
	}

	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	acked := map[string]bool{}
	progressed := map[string]bool{}
	finished := map[string]bool{}
	for len(finished) < calls {
		var frame types.Frame
		require.NoError(t, ws.ReadJSON(&frame))
		switch frame.Op {
		case types.OpAck:
			require.False(t, progressed[frame.RequestID], "ack after progress for %s", frame.RequestID)
			acked[frame.RequestID] = true
		case types.OpProgress:
			require.True(t, acked[frame.RequestID], "progress before ack for %s", frame.RequestID)
			require.False(t, finished[frame.RequestID], "progress after terminal for %s", frame.RequestID)
			progressed[frame.RequestID] = true
		case types.OpResult, types.OpError:
			require.Equal(t, types.OpResult, frame.Op)
			require.True(t, progressed[frame.RequestID], "terminal before progress for %s", frame.RequestID)
			finished[frame.RequestID] = true
		}
	}
}

func TestPingPong(t *testing.T) {
	d, _ := startDaemon(t, nil)
	ws := dial(t, d)
	hello(t, ws, testToken, "")

	require.NoError(t, ws.WriteJSON(&types.Frame{Op: types.OpPing}))
	pong := readUntil(t, ws, types.OpPong, "")
	assert.NotEmpty(t, pong.Time)
}

func TestListTools(t *testing.T) {
	d, _ := startDaemon(t, nil)
	ws := dial(t, d)
	hello(t, ws, testToken, "")

	require.NoError(t, ws.WriteJSON(&types.Frame{Op: types.OpListTools}))
	toolsFrame := readUntil(t, ws, types.OpTools, "")
	assert.NotEmpty(t, toolsFrame.Items)
}

func TestOversizeFrameClosesConnection(t *testing.T) {
	d, _ := startDaemon(t, func(cfg *config.Config) {
		cfg.MaxFrameBytes = 1024
	})
	ws := dial(t, d)
	hello(t, ws, testToken, "")

	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'a'
	}
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, big))

	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			// The server abandons the connection on an oversized frame.
			return
		}
	}
}

func TestHealthSnapshot(t *testing.T) {
	d, _ := startDaemon(t, nil)
	ws := dial(t, d)
	hello(t, ws, testToken, "")

	snap := d.HealthSnapshot(1234)
	assert.Equal(t, 1234, snap.PID)
	assert.Equal(t, d.Addr(), snap.Listening)
	assert.Equal(t, 1, snap.SessionsOpen)
	assert.Equal(t, "test", snap.Version)
	_ = ws
}

func TestGracefulShutdown(t *testing.T) {
	d, _ := startDaemon(t, nil)
	ws := dial(t, d)
	hello(t, ws, testToken, "")

	done := make(chan struct{})
	go func() {
		d.Shutdown(2 * time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	// New connections are refused after shutdown.
	_, _, err := websocket.DefaultDialer.Dial("ws://"+d.Addr()+"/ws", nil)
	assert.Error(t, err)
}
