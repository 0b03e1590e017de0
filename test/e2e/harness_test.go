package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/moonbridge/moonbridge/pkg/auth"
	"github.com/moonbridge/moonbridge/pkg/config"
	"github.com/moonbridge/moonbridge/pkg/conversation"
	"github.com/moonbridge/moonbridge/pkg/daemon"
	"github.com/moonbridge/moonbridge/pkg/dispatch"
	"github.com/moonbridge/moonbridge/pkg/flow"
	"github.com/moonbridge/moonbridge/pkg/provider"
	"github.com/moonbridge/moonbridge/pkg/providertest"
	"github.com/moonbridge/moonbridge/pkg/router"
	"github.com/moonbridge/moonbridge/pkg/session"
	"github.com/moonbridge/moonbridge/pkg/storage"
	"github.com/moonbridge/moonbridge/pkg/tools"
	"github.com/moonbridge/moonbridge/pkg/types"
	"github.com/moonbridge/moonbridge/pkg/watchdog"
)

const testToken = "e2e-token"

// harness wires a full daemon over two scripted providers, the way serve
// assembles the real thing, and exposes the pieces the scenarios inspect.
type harness struct {
	daemon *daemon.Daemon
	kimi   *providertest.Scripted
	glm    *providertest.Scripted
	tokens *auth.TokenManager
	convs  *conversation.Service
	cfg    *config.Config
}

func startHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := &config.Config{
		BindHost:            "127.0.0.1",
		BindPort:            0,
		AuthToken:           testToken,
		TokenGrace:          30 * time.Second,
		MaxFrameBytes:       1 << 20,
		GlobalInflightMax:   16,
		ProviderInflightMax: 8,
		SessionInflightMax:  8,
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

	kimi := providertest.New("KIMI", "kimi-k2")
	glm := providertest.New("GLM", "glm-4.5")
	glm.Caps.Supports.Websearch = true

	preg := provider.NewRegistry()
	preg.Register(kimi)
	preg.Register(glm)
	r := router.New(preg, []router.Preference{
		{Provider: "KIMI", Models: []string{"kimi-k2"}},
		{Provider: "GLM", Models: []string{"glm-4.5"}},
	})

	store := storage.NewMemoryStore()
	convs := conversation.New(store, storage.NewMemoryDeadLetter(16), cfg.ConversationTTL)

	deps := tools.Deps{
		Router:        r,
		Providers:     preg,
		Conversations: convs,
		Config:        cfg,
		Version:       "e2e",
		StartedAt:     time.Now(),
	}
	registry := tools.NewRegistry(deps, nil, nil)
	tools.RegisterBuiltin(registry)
	validator, err := tools.NewValidator(registry.Descriptors())
	require.NoError(t, err)

	fc := flow.NewController(cfg.GlobalInflightMax, cfg.ProviderInflightMax, preg.Names(), nil)
	sessions := session.NewManager(cfg.SessionInflightMax, cfg.SessionIdleTTL, store)
	dispatcher := dispatch.New(cfg, registry, validator, fc, sessions, r, preg)

	tokens := auth.NewTokenManager(cfg.AuthToken, cfg.TokenGrace)
	d := daemon.New(cfg, tokens, dispatcher, sessions, registry, preg, "e2e")

	if cfg.TokenFile != "" {
		w := watchdog.New(cfg, tokens, sessions, d.HealthSnapshot)
		ctx, cancel := context.WithCancel(context.Background())
		go w.Run(ctx)
		t.Cleanup(cancel)
	}

	go func() { _ = d.Serve() }()
	require.Eventually(t, func() bool { return d.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { d.Shutdown(time.Second) })

	return &harness{daemon: d, kimi: kimi, glm: glm, tokens: tokens, convs: convs, cfg: cfg}
}

// client is one WebSocket shim connection with a completed handshake
type client struct {
	t         *testing.T
	ws        *websocket.Conn
	sessionID string
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+h.daemon.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// connect dials and performs the hello handshake, failing the test on a nak
func (h *harness) connect(t *testing.T, token, sessionID string) *client {
	t.Helper()
	ws := h.dial(t)
	ack := sendHello(t, ws, token, sessionID)
	require.Equal(t, types.OpHelloAck, ack.Op, "handshake refused: %s", ack.Reason)
	return &client{t: t, ws: ws, sessionID: ack.SessionID}
}

// tryConnect dials and performs the hello handshake, returning the response
// frame whether ack or nak.
func (h *harness) tryConnect(t *testing.T, token, sessionID string) *types.Frame {
	t.Helper()
	ws := h.dial(t)
	return sendHello(t, ws, token, sessionID)
}

func sendHello(t *testing.T, ws *websocket.Conn, token, sessionID string) *types.Frame {
	t.Helper()
	require.NoError(t, ws.WriteJSON(&types.Frame{
		Op:        types.OpHello,
		Token:     token,
		SessionID: sessionID,
		Client:    &types.ClientInfo{Name: "e2e-shim", Version: "1.0"},
	}))
	var resp types.Frame
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, ws.ReadJSON(&resp))
	return &resp
}

func (c *client) call(requestID, tool string, args map[string]interface{}, timeout float64) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(&types.Frame{
		Op:        types.OpCallTool,
		RequestID: requestID,
		Tool:      tool,
		Arguments: args,
		Timeout:   timeout,
	}))
}

// terminal reads frames until the request's result or error arrives. Progress
// frames seen along the way are returned too.
func (c *client) terminal(requestID string, within time.Duration) (*types.Frame, []*types.Frame) {
	c.t.Helper()
	deadline := time.Now().Add(within)
	_ = c.ws.SetReadDeadline(deadline)

	var progress []*types.Frame
	for time.Now().Before(deadline) {
		var frame types.Frame
		require.NoError(c.t, c.ws.ReadJSON(&frame))
		if frame.RequestID != requestID {
			continue
		}
		switch frame.Op {
		case types.OpProgress:
			f := frame
			progress = append(progress, &f)
		case types.OpResult, types.OpError:
			f := frame
			return &f, progress
		}
	}
	c.t.Fatalf("no terminal frame for %s within %v", requestID, within)
	return nil, nil
}

// terminals reads until every listed request has a terminal frame
func (c *client) terminals(within time.Duration, requestIDs ...string) map[string]*types.Frame {
	c.t.Helper()
	deadline := time.Now().Add(within)
	_ = c.ws.SetReadDeadline(deadline)

	want := make(map[string]bool, len(requestIDs))
	for _, id := range requestIDs {
		want[id] = true
	}
	got := make(map[string]*types.Frame, len(requestIDs))
	for len(got) < len(want) {
		var frame types.Frame
		require.NoError(c.t, c.ws.ReadJSON(&frame))
		if frame.Op != types.OpResult && frame.Op != types.OpError {
			continue
		}
		if want[frame.RequestID] {
			f := frame
			got[frame.RequestID] = &f
		}
	}
	return got
}

func resultContent(t *testing.T, frame *types.Frame) string {
	t.Helper()
	require.Equal(t, types.OpResult, frame.Op, "expected result, got %s: %s", frame.Op, frame.Message)
	value, ok := frame.Value.(map[string]interface{})
	require.True(t, ok, "result value is not an object")
	content, _ := value["content"].(string)
	return content
}
