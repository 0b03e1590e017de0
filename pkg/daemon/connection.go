package daemon

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moonbridge/moonbridge/pkg/log"
	"github.com/moonbridge/moonbridge/pkg/progress"
	"github.com/moonbridge/moonbridge/pkg/session"
	"github.com/moonbridge/moonbridge/pkg/types"
)

// connection owns one WebSocket: its read loop, its serialized write loop,
// and the session bound by the hello handshake. All outbound frames pass
// through one queue so a request's ack, progress, and terminal keep their
// emission order on the wire.
type connection struct {
	daemon *Daemon
	ws     *websocket.Conn
	queue  *progress.Queue
	ctx    context.Context
	cancel context.CancelFunc

	// callCtx parents every tool call on this connection; cancelling it
	// during shutdown aborts the calls while the write loop stays up long
	// enough to flush their terminal frames.
	callCtx    context.Context
	callCancel context.CancelFunc

	mu   sync.Mutex
	sess *session.Session
}

func newConnection(d *Daemon, ws *websocket.Conn) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	callCtx, callCancel := context.WithCancel(ctx)
	return &connection{
		daemon:     d,
		ws:         ws,
		queue:      progress.NewQueue(d.cfg.ProgressBuffer),
		ctx:        ctx,
		cancel:     cancel,
		callCtx:    callCtx,
		callCancel: callCancel,
	}
}

// Emit implements dispatch.Emitter. Frames join the outbound queue behind
// any progress already emitted for their request; a closed queue discards
// them.
func (c *connection) Emit(frame *types.Frame) {
	c.queue.Push(frame)
}

func (c *connection) run() {
	defer c.close()

	go c.writeLoop()

	if !c.handshake() {
		return
	}
	c.readLoop()
}

// handshake expects a hello frame carrying a valid token. Success binds a
// session and answers hello_ack; anything else answers hello_nak and closes
// with a policy-violation code.
func (c *connection) handshake() bool {
	_ = c.ws.SetReadDeadline(time.Now().Add(handshakeTimeout))

	frame, ok := c.readFrame()
	if !ok {
		return false
	}
	if frame.Op != types.OpHello {
		c.nak("expected hello")
		return false
	}
	if !c.daemon.tokens.Accepts(frame.Token) {
		log.WithComponent("daemon").Warn().Msg("hello with invalid token")
		c.nak("invalid token")
		return false
	}

	var client types.ClientInfo
	if frame.Client != nil {
		client = *frame.Client
	}

	var sess *session.Session
	if frame.SessionID != "" {
		resumed, ok := c.daemon.sessions.Resume(frame.SessionID, client)
		if !ok {
			c.nak("invalid session_id")
			return false
		}
		sess = resumed
	} else {
		sess = c.daemon.sessions.Create(client)
	}
	c.setSession(sess)

	_ = c.ws.SetReadDeadline(time.Time{})
	c.Emit(&types.Frame{
		Op:        types.OpHelloAck,
		SessionID: sess.ID,
		Server:    c.daemon.serverCaps(),
	})
	return true
}

func (c *connection) setSession(s *session.Session) {
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
}

func (c *connection) session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *connection) nak(reason string) {
	c.Emit(&types.Frame{Op: types.OpHelloNak, Reason: reason})
	// Give the write loop a moment to flush before the close frame.
	time.Sleep(50 * time.Millisecond)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
}

func (c *connection) readLoop() {
	sess := c.session()
	for {
		frame, ok := c.readFrame()
		if !ok {
			return
		}
		c.daemon.dispatcher.HandleFrame(c.callCtx, sess, frame, c, c.queue)
	}
}

// readFrame reads and decodes one frame. Returns false when the connection
// is done; an oversized frame closes with 1009 first.
func (c *connection) readFrame() (*types.Frame, bool) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseMessageTooBig) || err == websocket.ErrReadLimit {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "frame too large"),
				time.Now().Add(time.Second))
		}
		return nil, false
	}

	var frame types.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.Emit(&types.Frame{
			Op:      types.OpError,
			Kind:    types.ErrInvalidRequest,
			Message: "malformed frame: not valid JSON",
		})
		return c.readFrame()
	}
	return &frame, true
}

// writeLoop is the sole writer: it drains the outbound queue in order
func (c *connection) writeLoop() {
	for {
		select {
		case <-c.queue.Wait():
			for {
				frame, ok := c.queue.Pop()
				if !ok {
					break
				}
				if !c.write(frame) {
					return
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *connection) write(frame *types.Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		log.WithComponent("daemon").Error().Err(err).Msg("frame marshal failed")
		return true
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.cancel()
		return false
	}
	return true
}

// cancelCalls aborts the connection's inflight tool calls. Terminal frames
// for the aborted calls still flow out through the write loop.
func (c *connection) cancelCalls() {
	c.callCancel()
}

// shutdown closes the connection from the server side during drain
func (c *connection) shutdown() {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
		time.Now().Add(time.Second))
	c.cancel()
	_ = c.ws.Close()
}

// close tears the connection down after the read loop exits: inflight calls
// are cancelled via ctx and the session is dropped.
func (c *connection) close() {
	c.cancel()
	_ = c.ws.Close()
	c.queue.Close()
	if sess := c.session(); sess != nil {
		c.daemon.sessions.Remove(sess.ID)
	}
	c.daemon.removeConn(c)
}
