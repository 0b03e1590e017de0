package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/moonbridge/moonbridge/pkg/config"
	"github.com/moonbridge/moonbridge/pkg/flow"
	"github.com/moonbridge/moonbridge/pkg/ids"
	"github.com/moonbridge/moonbridge/pkg/log"
	"github.com/moonbridge/moonbridge/pkg/metrics"
	"github.com/moonbridge/moonbridge/pkg/progress"
	"github.com/moonbridge/moonbridge/pkg/provider"
	"github.com/moonbridge/moonbridge/pkg/router"
	"github.com/moonbridge/moonbridge/pkg/session"
	"github.com/moonbridge/moonbridge/pkg/tools"
	"github.com/moonbridge/moonbridge/pkg/types"
)

// cancelGrace is how long a cancelled or timed-out tool gets to return
// before its worker is detached and the terminal frame goes out without it.
const cancelGrace = 5 * time.Second

// Emitter delivers frames to one connection. Implementations serialize
// writes; Emit never blocks the dispatcher on a slow client.
type Emitter interface {
	Emit(frame *types.Frame)
}

// Dispatcher validates inbound frames, runs tool calls under the concurrency
// layers, and guarantees per-request frame ordering: ack, then progress,
// then exactly one terminal result or error.
type Dispatcher struct {
	cfg       *config.Config
	registry  *tools.Registry
	validator *tools.Validator
	flow      *flow.Controller
	sessions  *session.Manager
	router    *router.Router
	providers *provider.Registry

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// New creates a dispatcher over the assembled components
func New(cfg *config.Config, registry *tools.Registry, validator *tools.Validator,
	fc *flow.Controller, sessions *session.Manager, r *router.Router, providers *provider.Registry) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		registry:  registry,
		validator: validator,
		flow:      fc,
		sessions:  sessions,
		router:    r,
		providers: providers,
		inflight:  make(map[string]context.CancelFunc),
	}
}

// HandleFrame processes one frame from an authenticated session. call_tool
// work runs in its own goroutine; everything else answers inline. ctx is the
// connection's context and cancels all of the session's inflight calls when
// the connection drops.
func (d *Dispatcher) HandleFrame(ctx context.Context, sess *session.Session, frame *types.Frame, emit Emitter, queue *progress.Queue) {
	d.sessions.Touch(sess.ID)

	switch frame.Op {
	case types.OpListTools:
		emit.Emit(&types.Frame{Op: types.OpTools, Items: d.registry.Catalog()})
	case types.OpListModels:
		emit.Emit(&types.Frame{Op: types.OpModels, ModelList: d.modelList()})
	case types.OpPing:
		emit.Emit(&types.Frame{Op: types.OpPong, Time: time.Now().UTC().Format(time.RFC3339Nano)})
	case types.OpCancel:
		d.cancelCall(sess.ID, frame.RequestID)
	case types.OpCallTool:
		go d.handleCall(ctx, sess, frame, emit, queue)
	default:
		emit.Emit(&types.Frame{
			Op:        types.OpError,
			RequestID: frame.RequestID,
			Kind:      types.ErrUnknownOp,
			Message:   "unknown op " + string(frame.Op),
		})
	}
}

func (d *Dispatcher) modelList() []types.ModelInfo {
	var out []types.ModelInfo
	for _, name := range d.providers.Names() {
		p, ok := d.providers.Get(name)
		if !ok {
			continue
		}
		caps := p.Capabilities()
		for _, model := range caps.Models {
			out = append(out, types.ModelInfo{
				Name:          model,
				Provider:      caps.Name,
				ContextWindow: caps.ContextWindow,
				Supports:      caps.Supports,
			})
		}
	}
	return out
}

// handleCall runs one call_tool end to end. Panics anywhere in the tool path
// surface as Internal; the session and connection survive.
func (d *Dispatcher) handleCall(connCtx context.Context, sess *session.Session, frame *types.Frame, emit Emitter, queue *progress.Queue) {
	re := &requestEmitter{emitter: emit, requestID: frame.RequestID}
	defer func() {
		if r := recover(); r != nil {
			log.WithRequest(frame.RequestID).Error().
				Interface("panic", r).
				Str("tool", frame.Tool).
				Msg("tool worker panicked")
			re.terminal(types.ErrorFrame(frame.RequestID,
				types.NewError(types.ErrInternal, "internal error in tool %s", frame.Tool)))
		}
	}()

	started := time.Now()

	// Validation happens before the ack and before any permit is taken.
	if err := validateCall(frame); err != nil {
		re.terminal(types.ErrorFrame(frame.RequestID, err))
		return
	}
	tool, err := d.registry.Resolve(frame.Tool)
	if err != nil {
		re.terminal(types.ErrorFrame(frame.RequestID, err))
		return
	}
	if err := d.validator.Validate(frame.Tool, frame.Arguments); err != nil {
		re.terminal(types.ErrorFrame(frame.RequestID, err))
		return
	}

	continuationID := frame.ContinuationID
	if continuationID == "" {
		continuationID = argContinuation(frame.Arguments)
	}

	// The call is accepted: ack goes out before any blocking work.
	re.ack()

	deadline := d.deadline(tool, frame)
	callCtx, cancel := context.WithTimeout(connCtx, deadline)
	defer cancel()
	d.trackCall(sess.ID, frame.RequestID, cancel)
	defer d.untrackCall(sess.ID, frame.RequestID)

	outcome, usage := d.runCall(callCtx, sess, tool, frame, continuationID, started, re, queue)
	metrics.ToolCallsTotal.WithLabelValues(frame.Tool, usage.Provider, outcome).Inc()
	metrics.ToolCallDuration.WithLabelValues(frame.Tool).Observe(time.Since(started).Seconds())
}

// runCall acquires the concurrency layers, executes the tool (or joins an
// identical inflight call), and emits the terminal frame. Returns the
// outcome label and usage for metrics.
func (d *Dispatcher) runCall(ctx context.Context, sess *session.Session, tool tools.Tool,
	frame *types.Frame, continuationID string, started time.Time, re *requestEmitter, queue *progress.Queue) (string, types.Usage) {

	// Session permit first. Waiting past the deadline is backpressure, not a
	// timeout.
	if err := sess.Acquire(ctx); err != nil {
		re.terminal(types.ErrorFrame(frame.RequestID, err))
		return string(types.KindOf(err)), types.Usage{}
	}
	defer sess.Release()

	// The provider permit pool is chosen from the top routing candidate.
	candidates, err := d.router.Candidates(argModel(frame.Arguments), tool.Needs())
	if err != nil {
		re.terminal(types.ErrorFrame(frame.RequestID, err))
		return string(types.KindOf(err)), types.Usage{}
	}
	providerName := candidates[0].Provider.Name()

	// Dedup is daemon-wide: identical calls from different sessions share one
	// upstream execution. The continuation id already scopes
	// conversation-bound calls.
	fingerprint := flow.Fingerprint(frame.Tool, frame.Arguments, continuationID, "")

	value, shared, err := d.flow.Do(ctx, fingerprint, providerName, func() (interface{}, error) {
		return d.executeWithGrace(ctx, tool, &tools.Call{
			RequestID:      frame.RequestID,
			SessionID:      sess.ID,
			ContinuationID: continuationID,
			Args:           frame.Arguments,
			Progress:       queue.ForRequest(frame.RequestID),
		})
	})
	if err != nil {
		re.terminal(types.ErrorFrame(frame.RequestID, err))
		return string(types.KindOf(err)), types.Usage{Provider: providerName}
	}

	result := value.(*tools.Result)
	if shared {
		log.WithRequest(frame.RequestID).Debug().
			Str("tool", frame.Tool).
			Msg("joined identical inflight call")
	}

	usage := result.Usage
	usage.DurationMS = time.Since(started).Milliseconds()
	re.terminal(&types.Frame{
		Op:             types.OpResult,
		RequestID:      frame.RequestID,
		Value:          result.Value,
		Usage:          &usage,
		ContinuationID: result.ContinuationID,
	})
	return "success", usage
}

// executeWithGrace runs the tool and enforces the cancellation grace: after
// ctx expires, the tool gets cancelGrace to return before its worker is
// detached and the caller proceeds with TimedOut or Cancelled.
func (d *Dispatcher) executeWithGrace(ctx context.Context, tool tools.Tool, call *tools.Call) (interface{}, error) {
	type outcome struct {
		result *tools.Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: types.NewError(types.ErrInternal, "tool panicked: %v", r)}
			}
		}()
		result, err := tool.Execute(ctx, call)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
	}

	// Deadline hit; give the tool the grace window to observe cancellation.
	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		// Finished during grace, but past deadline: the call still failed.
		return nil, deadlineError(ctx)
	case <-time.After(cancelGrace):
		log.WithRequest(call.RequestID).Warn().Msg("tool did not observe cancellation, detaching worker")
		return nil, deadlineError(ctx)
	}
}

func deadlineError(ctx context.Context) error {
	if ctx.Err() == context.Canceled {
		return types.NewError(types.ErrCancelled, "call cancelled")
	}
	return types.NewError(types.ErrTimedOut, "call deadline exceeded")
}

// deadline computes the tool-context deadline: the smaller of the client's
// requested timeout and the tool default for these arguments, capped by the
// daemon wrapper ceiling. The ceiling scales off the tool's own timeout so a
// tool that extends itself for terminal steps keeps its full window.
func (d *Dispatcher) deadline(tool tools.Tool, frame *types.Frame) time.Duration {
	toolTimeout := tool.Timeout(frame.Arguments)
	deadline := toolTimeout
	if frame.Timeout > 0 {
		client := time.Duration(frame.Timeout * float64(time.Second))
		if client < deadline {
			deadline = client
		}
	}
	if max := d.cfg.DaemonTimeout(toolTimeout); deadline > max {
		deadline = max
	}
	return deadline
}

func (d *Dispatcher) trackCall(sessionID, requestID string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.inflight[sessionID+"/"+requestID] = cancel
	d.mu.Unlock()
}

func (d *Dispatcher) untrackCall(sessionID, requestID string) {
	d.mu.Lock()
	delete(d.inflight, sessionID+"/"+requestID)
	d.mu.Unlock()
}

func (d *Dispatcher) cancelCall(sessionID, requestID string) {
	d.mu.Lock()
	cancel, ok := d.inflight[sessionID+"/"+requestID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// validateCall enforces the structural requirements of a call_tool frame
func validateCall(frame *types.Frame) error {
	if frame.RequestID == "" {
		return types.NewError(types.ErrInvalidRequest, "call_tool requires request_id")
	}
	if frame.Tool == "" {
		return types.NewError(types.ErrInvalidRequest, "call_tool requires tool")
	}
	if frame.ContinuationID != "" && !ids.Valid(frame.ContinuationID) {
		return types.NewError(types.ErrInvalidRequest, "continuation_id is not a UUID")
	}
	if c := argContinuation(frame.Arguments); c != "" && !ids.Valid(c) {
		return types.NewError(types.ErrInvalidRequest, "continuation_id is not a UUID")
	}
	if frame.Timeout < 0 {
		return types.NewError(types.ErrInvalidRequest, "timeout must be non-negative")
	}
	return nil
}

func argModel(args map[string]interface{}) string {
	if v, ok := args["model"].(string); ok {
		return v
	}
	return ""
}

func argContinuation(args map[string]interface{}) string {
	if v, ok := args["continuation_id"].(string); ok {
		return v
	}
	return ""
}

// requestEmitter enforces per-request frame ordering and single-terminal
type requestEmitter struct {
	emitter   Emitter
	requestID string

	mu       sync.Mutex
	acked    bool
	finished bool
}

func (r *requestEmitter) ack() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.acked || r.finished {
		return
	}
	r.acked = true
	r.emitter.Emit(&types.Frame{Op: types.OpAck, RequestID: r.requestID})
}

func (r *requestEmitter) terminal(frame *types.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.finished = true
	r.emitter.Emit(frame)
}
