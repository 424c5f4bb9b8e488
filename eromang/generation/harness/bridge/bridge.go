// Package bridge lets synchronous callers hand tool invocations to a single
// long-lived worker that owns the tool backend session.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
)

var (
	// ErrNotRunning is returned by Submit before Start or after the worker exits.
	ErrNotRunning = errors.New("bridge: worker not running")
	// ErrNotReady is returned before the backend handshake has completed.
	ErrNotReady = errors.New("bridge: backend not initialized")
	// ErrTimeout is returned when Await gives up. The task may still complete.
	ErrTimeout = errors.New("bridge: timed out waiting for result")
	// ErrUnknownTask is returned for ids never submitted or already consumed.
	ErrUnknownTask = errors.New("bridge: unknown or consumed task")
	// ErrQueueFull is returned when the submission queue has no room.
	ErrQueueFull = errors.New("bridge: submission queue full")
	// ErrStopped is returned to waiters whose task was dropped at shutdown.
	ErrStopped = errors.New("bridge: stopped before task completed")
)

const (
	defaultQueueSize = 64
	defaultIdleWait  = 100 * time.Millisecond
)

// Options tunes the bridge.
type Options struct {
	QueueSize   int           // submission queue capacity
	IdleWait    time.Duration // poll interval while paused
	CallTimeout time.Duration // per backend call; 0 means bounded only by Stop
	Logger      zerolog.Logger
}

type task struct {
	id  string
	inv ports.ToolInvocation
}

// Bridge serializes tool invocations through one worker goroutine.
type Bridge struct {
	dialer ports.BackendDialer
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	queue    chan task
	results  map[string]ports.TaskResult
	pending  map[string]struct{}
	notify   chan struct{} // closed and replaced whenever a result lands
	ready    chan struct{} // closed once the handshake succeeds or fails
	done     chan struct{} // closed when the worker has exited
	tools    []ports.ToolSpec
	startErr error

	initialized atomic.Bool
	paused      atomic.Bool
	wake        chan struct{}
	wg          conc.WaitGroup
}

// New creates a stopped bridge.
func New(dialer ports.BackendDialer, opts Options) *Bridge {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = defaultIdleWait
	}
	return &Bridge{
		dialer:  dialer,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "bridge").Logger(),
		results: make(map[string]ports.TaskResult),
		pending: make(map[string]struct{}),
		notify:  make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the worker, which dials the backend and discovers its
// tools once. It returns immediately; use WaitReady to block on the
// handshake. Calling Start on a running bridge is a no-op.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}

	if b.cancel != nil {
		// the previous worker exited on its own
		b.cancel()
	}
	wctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true
	b.startErr = nil
	b.tools = nil
	b.initialized.Store(false)
	b.queue = make(chan task, b.opts.QueueSize)
	b.ready = make(chan struct{})
	b.done = make(chan struct{})

	queue, ready, done := b.queue, b.ready, b.done
	b.wg.Go(func() { b.run(wctx, queue, ready, done) })
	return nil
}

// WaitReady blocks until the handshake finishes and reports its outcome.
func (b *Bridge) WaitReady(ctx context.Context) error {
	b.mu.Lock()
	ready := b.ready
	b.mu.Unlock()
	if ready == nil {
		return ErrNotRunning
	}

	select {
	case <-ready:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.startErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Initialized reports whether the backend handshake has completed.
func (b *Bridge) Initialized() bool {
	return b.initialized.Load()
}

// ListCapabilities returns the tools discovered during the handshake.
func (b *Bridge) ListCapabilities() ([]ports.ToolSpec, error) {
	if !b.initialized.Load() {
		return nil, ErrNotReady
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ports.ToolSpec, len(b.tools))
	copy(out, b.tools)
	return out, nil
}

// Submit enqueues inv and returns its task id without waiting.
func (b *Bridge) Submit(inv ports.ToolInvocation) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return "", ErrNotRunning
	}

	id := uuid.NewString()
	select {
	case b.queue <- task{id: id, inv: inv}:
	default:
		return "", fmt.Errorf("%w: capacity %d", ErrQueueFull, b.opts.QueueSize)
	}
	b.pending[id] = struct{}{}
	return id, nil
}

// Await blocks the caller until the result for id is available, timeout
// elapses or ctx is done. A delivered result is removed, so a second Await
// for the same id fails with ErrUnknownTask. A timeout of zero waits until ctx
// is done.
func (b *Bridge) Await(ctx context.Context, id string, timeout time.Duration) (ports.TaskResult, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		b.mu.Lock()
		if res, ok := b.results[id]; ok {
			delete(b.results, id)
			delete(b.pending, id)
			b.mu.Unlock()
			return res, nil
		}
		if _, ok := b.pending[id]; !ok {
			b.mu.Unlock()
			return ports.TaskResult{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
		}
		notify, done := b.notify, b.done
		b.mu.Unlock()

		select {
		case <-notify:
		case <-done:
			b.mu.Lock()
			res, ok := b.results[id]
			delete(b.results, id)
			delete(b.pending, id)
			b.mu.Unlock()
			if ok {
				return res, nil
			}
			return ports.TaskResult{}, fmt.Errorf("%w: %s", ErrStopped, id)
		case <-deadline:
			return ports.TaskResult{}, fmt.Errorf("%w: task %s after %s", ErrTimeout, id, timeout)
		case <-ctx.Done():
			return ports.TaskResult{}, ctx.Err()
		}
	}
}

// Pause stops the worker from picking up new tasks. An in-flight task runs
// to completion.
func (b *Bridge) Pause() {
	b.paused.Store(true)
}

// Resume lets the worker pick up tasks again.
func (b *Bridge) Resume() {
	b.paused.Store(false)
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Stop signals the worker, waits for it to exit and returns. It is safe to
// call before Start and more than once.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	if r := b.wg.WaitAndRecover(); r != nil {
		b.logger.Error().Str("panic", r.String()).Msg("bridge worker panicked")
		return r.AsError()
	}
	return nil
}

func (b *Bridge) run(ctx context.Context, queue chan task, ready, done chan struct{}) {
	handshakeDone := false
	defer func() {
		b.mu.Lock()
		b.running = false
		if !handshakeDone {
			close(ready)
		}
		close(queue)
		b.mu.Unlock()
		b.initialized.Store(false)
		close(done)
	}()

	backend, err := b.dialer.Dial(ctx)
	if err != nil {
		b.failStart(fmt.Errorf("failed to connect tool backend: %w", err))
		return
	}
	defer func() {
		if err := backend.Close(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to close tool backend")
		}
	}()

	tools, err := backend.ListTools(ctx)
	if err != nil {
		b.failStart(fmt.Errorf("tool discovery failed: %w", err))
		return
	}

	b.mu.Lock()
	b.tools = tools
	b.mu.Unlock()
	b.initialized.Store(true)
	close(ready)
	handshakeDone = true
	b.logger.Info().Int("tools", len(tools)).Msg("tool backend ready")

	for {
		if b.paused.Load() {
			if !b.idle(ctx) {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		case t := <-queue:
			if ctx.Err() != nil {
				return
			}
			// a pause requested while we were blocked still holds this task back
			for b.paused.Load() {
				if !b.idle(ctx) {
					return
				}
			}
			b.execute(ctx, backend, t)
		}
	}
}

// idle waits for a resume signal or one poll interval. It returns false once
// the worker should exit.
func (b *Bridge) idle(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-b.wake:
	case <-time.After(b.opts.IdleWait):
	}
	return true
}

func (b *Bridge) failStart(err error) {
	b.logger.Error().Err(err).Msg("tool backend handshake failed")
	b.mu.Lock()
	b.startErr = err
	b.mu.Unlock()
}

func (b *Bridge) execute(ctx context.Context, backend ports.ToolBackend, t task) {
	logger := b.logger.With().Str("task_id", t.id).Str("tool", t.inv.Name).Logger()

	args := map[string]any{}
	if raw := strings.TrimSpace(t.inv.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			logger.Warn().Err(err).Msg("invalid tool arguments")
			b.deliver(t.id, ports.ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", t.inv.Name, err)))
			return
		}
	}

	callCtx := ctx
	if b.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.opts.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := backend.CallTool(callCtx, t.inv.Name, args)
	if err != nil {
		logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("tool call failed")
		res = ports.ErrorResult(fmt.Sprintf("tool %s failed: %v", t.inv.Name, err))
	} else {
		logger.Debug().Bool("is_error", res.IsError).Dur("duration", time.Since(start)).Msg("tool call finished")
	}
	b.deliver(t.id, res)
}

func (b *Bridge) deliver(id string, res ports.TaskResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[id] = res
	close(b.notify)
	b.notify = make(chan struct{})
}
