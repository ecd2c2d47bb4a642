// Package taskengine runs asynchronous units of work on behalf of callers
// that must never block, such as a GUI thread. Callers submit work from any
// goroutine, poll a thread-safe inbox for completed results, and may request
// cooperative cancellation of in-flight tasks.
package taskengine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Predefined errors for engine lifecycle failures.
var (
	// ErrEngineShutdown is returned by Submit after Shutdown has begun.
	ErrEngineShutdown = errors.New("task engine is shut down")

	// ErrDuplicateTaskID is returned when a caller-supplied task ID collides
	// with a task still in flight.
	ErrDuplicateTaskID = errors.New("task id already in flight")
)

// Work is a cancellable unit of background computation. Cancellation is
// cooperative: work that never observes ctx runs to completion regardless of
// any cancellation request.
type Work func(ctx context.Context) (any, error)

// Callback receives a task's result at completion time. Callbacks run on the
// completing task's goroutine and must be fast and non-blocking.
type Callback func(TaskResult)

// TaskResult is produced exactly once per submitted unit of work.
type TaskResult struct {
	// TaskID matches the ID returned by Submit.
	TaskID string

	// Success is true when the work returned without error.
	Success bool

	// Result is the work's return value on success.
	Result any

	// Err is the failure cause: the work's error, its recovered panic, or
	// context.Canceled for a cancelled task that honored its context.
	Err error
}

type taskHandle struct {
	id       string
	cancel   context.CancelFunc
	callback Callback
}

// Engine tracks in-flight background tasks and delivers their results.
//
// Results are delivered twice over: through the optional per-task callback at
// completion time, and always through the inbox drained by ProcessResults.
// The inbox preserves completion order, not submission order.
type Engine struct {
	logger    zerolog.Logger
	baseCtx   context.Context
	cancelAll context.CancelFunc
	stopOnce  sync.Once
	wg        sync.WaitGroup
	seq       atomic.Uint64

	mu       sync.Mutex
	inflight map[string]*taskHandle
	down     bool

	inboxMu sync.Mutex
	inbox   []TaskResult
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger. Default is a no-op logger.
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a running engine. It accepts submissions until Shutdown.
func NewEngine(opts ...EngineOption) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		logger:    zerolog.Nop(),
		baseCtx:   ctx,
		cancelAll: cancel,
		inflight:  make(map[string]*taskHandle),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SubmitOption configures one submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	taskID   string
	callback Callback
}

// WithTaskID supplies the task ID instead of generating one. The ID must not
// collide with a task still in flight.
func WithTaskID(id string) SubmitOption {
	return func(o *submitOptions) { o.taskID = id }
}

// WithCallback registers a completion callback for this task. The task's
// result is still delivered to the inbox as well.
func WithCallback(cb Callback) SubmitOption {
	return func(o *submitOptions) { o.callback = cb }
}

// Submit schedules work for background execution and returns its task ID
// without blocking. It fails with ErrEngineShutdown once shutdown has begun.
func (e *Engine) Submit(work Work, opts ...SubmitOption) (string, error) {
	if work == nil {
		return "", errors.New("work must not be nil")
	}

	var so submitOptions
	for _, opt := range opts {
		opt(&so)
	}

	id := so.taskID
	if id == "" {
		id = "task-" + strconv.FormatUint(e.seq.Add(1), 10)
	}

	taskCtx, cancel := context.WithCancel(e.baseCtx)
	h := &taskHandle{id: id, cancel: cancel, callback: so.callback}

	e.mu.Lock()
	if e.down {
		e.mu.Unlock()
		cancel()
		return "", ErrEngineShutdown
	}
	if _, exists := e.inflight[id]; exists {
		e.mu.Unlock()
		cancel()
		return "", fmt.Errorf("%w: %s", ErrDuplicateTaskID, id)
	}
	e.inflight[id] = h
	e.wg.Add(1)
	e.mu.Unlock()

	go e.runTask(taskCtx, h, work)
	return id, nil
}

// CancelTask requests cooperative cancellation of an in-flight task. It
// returns true when a matching in-flight task was found; whether the work
// actually stops depends on it reaching a point where it observes its
// context.
func (e *Engine) CancelTask(id string) bool {
	e.mu.Lock()
	h, ok := e.inflight[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	e.logger.Debug().Str("task_id", id).Msg("task cancellation requested")
	return true
}

// ProcessResults drains and returns all completed results accumulated since
// the previous call, in completion order. It is the sanctioned way for a
// non-worker thread to learn about completions when no callback was used,
// and is safe to call from any goroutine.
func (e *Engine) ProcessResults() []TaskResult {
	e.inboxMu.Lock()
	results := e.inbox
	e.inbox = nil
	e.inboxMu.Unlock()
	return results
}

// RunningTaskCount returns a best-effort count of in-flight tasks. It races
// against concurrent completion and is meant for display only.
func (e *Engine) RunningTaskCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// IsTaskRunning reports, best-effort, whether the task is still in flight.
func (e *Engine) IsTaskRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

// Shutdown cancels all in-flight tasks, waits for them to finish, and makes
// subsequent Submit calls fail. It is idempotent and safe to call from any
// goroutine; every caller blocks until the engine has fully stopped.
// Completed results remain available through ProcessResults.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.down = true
	e.mu.Unlock()

	e.stopOnce.Do(func() {
		e.logger.Info().Msg("task engine shutting down")
		e.cancelAll()
	})
	e.wg.Wait()
}

func (e *Engine) runTask(ctx context.Context, h *taskHandle, work Work) {
	defer e.wg.Done()

	res := e.execute(ctx, h.id, work)

	e.mu.Lock()
	delete(e.inflight, h.id)
	e.mu.Unlock()

	// The callback always fires before the result becomes visible to pollers.
	if h.callback != nil {
		e.invokeCallback(h, res)
	}

	e.inboxMu.Lock()
	e.inbox = append(e.inbox, res)
	e.inboxMu.Unlock()
}

// execute runs the work with panic isolation: a panic inside submitted work
// becomes a failed TaskResult and never takes down the engine.
func (e *Engine) execute(ctx context.Context, id string, work Work) (res TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			e.logger.Error().
				Str("task_id", id).
				Str("correlation_id", correlationID).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("task panicked")
			res = TaskResult{
				TaskID: id,
				Err:    fmt.Errorf("task panic (correlation_id: %s): %v", correlationID, r),
			}
		}
	}()

	out, err := work(ctx)
	if err != nil {
		return TaskResult{TaskID: id, Err: err}
	}
	return TaskResult{TaskID: id, Success: true, Result: out}
}

func (e *Engine) invokeCallback(h *taskHandle, res TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("task_id", h.id).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("task callback panicked")
		}
	}()
	h.callback(res)
}
