package daemon

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moonbridge/moonbridge/pkg/auth"
	"github.com/moonbridge/moonbridge/pkg/config"
	"github.com/moonbridge/moonbridge/pkg/dispatch"
	"github.com/moonbridge/moonbridge/pkg/log"
	"github.com/moonbridge/moonbridge/pkg/metrics"
	"github.com/moonbridge/moonbridge/pkg/provider"
	"github.com/moonbridge/moonbridge/pkg/session"
	"github.com/moonbridge/moonbridge/pkg/tools"
	"github.com/moonbridge/moonbridge/pkg/types"
)

// handshakeTimeout bounds how long a fresh connection may sit before
// completing the hello exchange.
const handshakeTimeout = 10 * time.Second

// Daemon is the WebSocket server: it accepts connections on /ws, performs
// the hello handshake, and feeds authenticated frames to the dispatcher. The
// same listener serves /healthz and /metrics.
type Daemon struct {
	cfg        *config.Config
	tokens     *auth.TokenManager
	dispatcher *dispatch.Dispatcher
	sessions   *session.Manager
	registry   *tools.Registry
	providers  *provider.Registry
	version    string
	startedAt  time.Time

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	mu       sync.Mutex
	conns    map[*connection]struct{}
	draining bool
	lastErr  string
}

// New assembles a daemon over the wired components
func New(cfg *config.Config, tokens *auth.TokenManager, dispatcher *dispatch.Dispatcher,
	sessions *session.Manager, registry *tools.Registry, providers *provider.Registry, version string) *Daemon {
	return &Daemon{
		cfg:        cfg,
		tokens:     tokens,
		dispatcher: dispatcher,
		sessions:   sessions,
		registry:   registry,
		providers:  providers,
		version:    version,
		startedAt:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The daemon binds loopback by default; shims connect locally.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*connection]struct{}),
	}
}

// Addr returns the bound listener address, valid after Serve has started
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Serve listens on the configured address and blocks until Shutdown or a
// listener error.
func (d *Daemon) Serve() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", d.handleWS)
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.Handle("/metrics", metrics.Handler())

	listener, err := net.Listen("tcp", d.cfg.BindAddr())
	if err != nil {
		d.setLastErr(err.Error())
		return err
	}
	d.mu.Lock()
	d.listener = listener
	d.server = &http.Server{Handler: mux}
	server := d.server
	d.mu.Unlock()

	log.WithComponent("daemon").Info().
		Str("addr", listener.Addr().String()).
		Str("version", d.version).
		Msg("listening")

	err = server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	if err != nil {
		d.setLastErr(err.Error())
	}
	return err
}

// Shutdown stops accepting connections, waits up to grace for open sessions
// to drain, then cancels whatever is still running.
func (d *Daemon) Shutdown(grace time.Duration) {
	logger := log.WithComponent("daemon")
	logger.Info().Dur("grace", grace).Msg("shutting down")

	d.mu.Lock()
	d.draining = true
	server := d.server
	conns := make([]*connection, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	// Stop accepting; existing connections keep flowing during the drain.
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		go func() { _ = server.Shutdown(ctx) }()
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if d.inflightTotal() == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Grace expired: abort what is still running, then hold the write loops
	// open briefly so the Cancelled terminal frames reach their clients.
	if d.inflightTotal() > 0 {
		for _, c := range conns {
			c.cancelCalls()
		}
		flushDeadline := time.Now().Add(time.Second)
		for time.Now().Before(flushDeadline) && d.inflightTotal() > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		time.Sleep(100 * time.Millisecond)
	}

	for _, c := range conns {
		c.shutdown()
	}
	d.sessions.Close()
	logger.Info().Msg("shutdown complete")
}

func (d *Daemon) inflightTotal() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for c := range d.conns {
		if sess := c.session(); sess != nil {
			total += sess.Inflight()
		}
	}
	return total
}

// HealthSnapshot reports the daemon's health-file payload
func (d *Daemon) HealthSnapshot(pid int) types.HealthSnapshot {
	d.mu.Lock()
	lastErr := d.lastErr
	listening := ""
	if d.listener != nil {
		listening = d.listener.Addr().String()
	}
	inflight := 0
	for c := range d.conns {
		if sess := c.session(); sess != nil {
			inflight += sess.Inflight()
		}
	}
	d.mu.Unlock()

	return types.HealthSnapshot{
		PID:            pid,
		StartedAt:      d.startedAt,
		Listening:      listening,
		SessionsOpen:   d.sessions.Count(),
		InflightGlobal: inflight,
		LastError:      lastErr,
		Version:        d.version,
	}
}

func (d *Daemon) setLastErr(msg string) {
	d.mu.Lock()
	d.lastErr = msg
	d.mu.Unlock()
}

func (d *Daemon) handleWS(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	d.mu.Unlock()

	ws, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("daemon").Debug().Err(err).Msg("upgrade failed")
		return
	}
	ws.SetReadLimit(d.cfg.MaxFrameBytes)

	conn := newConnection(d, ws)
	d.mu.Lock()
	d.conns[conn] = struct{}{}
	d.mu.Unlock()

	go conn.run()
}

func (d *Daemon) removeConn(c *connection) {
	d.mu.Lock()
	delete(d.conns, c)
	d.mu.Unlock()
}

// serverCaps describes the daemon in a hello_ack
func (d *Daemon) serverCaps() *types.ServerInfo {
	catalog := d.registry.Catalog()
	toolNames := make([]string, 0, len(catalog))
	for _, t := range catalog {
		toolNames = append(toolNames, t.Name)
	}
	infos := d.providers.Models()
	models := make([]string, 0, len(infos))
	for _, m := range infos {
		models = append(models, m.Name)
	}
	return &types.ServerInfo{
		Version: d.version,
		Caps: &types.ServerCaps{
			Tools:  toolNames,
			Models: models,
		},
	}
}
