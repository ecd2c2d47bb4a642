package taskengine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PeriodicTask repeatedly submits a unit of work to an Engine, waiting the
// configured interval between the end of one execution and the start of the
// next. Iterations are fault-isolated: a failing iteration is logged and
// reported, and never stops subsequent iterations.
//
// A PeriodicTask must not outlive the engine it references; once the engine
// refuses a submission the task stops itself.
type PeriodicTask struct {
	engine   *Engine
	name     string
	interval time.Duration
	work     Work
	callback Callback
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// PeriodicOption configures a PeriodicTask.
type PeriodicOption func(*PeriodicTask)

// WithPeriodicCallback reports every iteration's result through cb, the same
// mechanism a single task uses. The callback is panic-guarded.
func WithPeriodicCallback(cb Callback) PeriodicOption {
	return func(p *PeriodicTask) { p.callback = cb }
}

// WithPeriodicLogger sets the task logger. Default is a no-op logger.
func WithPeriodicLogger(logger zerolog.Logger) PeriodicOption {
	return func(p *PeriodicTask) { p.logger = logger }
}

// NewPeriodicTask creates a stopped periodic task. The caller owns its
// lifecycle through Start and Stop.
func NewPeriodicTask(engine *Engine, name string, interval time.Duration, work Work, opts ...PeriodicOption) *PeriodicTask {
	p := &PeriodicTask{
		engine:   engine,
		name:     name,
		interval: interval,
		work:     work,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("periodic_task", name).Logger()
	return p
}

// Start begins the submit loop, running the first iteration immediately.
// Starting an already-running task logs a warning and does nothing else.
func (p *PeriodicTask) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		p.logger.Warn().Msg("periodic task already running")
		return
	}
	p.running = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	p.logger.Info().Dur("interval", p.interval).Msg("periodic task started")
	go p.loop(ctx)
}

// Stop halts future submissions. An iteration already in flight is allowed
// to finish inside the engine. Stopping a task that was never started, or
// stopping twice, is a no-op.
func (p *PeriodicTask) Stop() {
	if p.halt() {
		p.logger.Info().Msg("periodic task stopped")
	}
}

// IsRunning reports whether the task has been started and not yet stopped.
func (p *PeriodicTask) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// halt clears the running state and cancels the loop. It returns false when
// the task was not running.
func (p *PeriodicTask) halt() bool {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return false
	}
	p.running = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

func (p *PeriodicTask) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		done := make(chan TaskResult, 1)
		id, err := p.engine.Submit(p.work, WithCallback(func(res TaskResult) {
			done <- res
		}))
		if err != nil {
			p.logger.Warn().Err(err).Msg("periodic submission refused, stopping")
			p.halt()
			return
		}

		var res TaskResult
		select {
		case res = <-done:
		case <-ctx.Done():
			// Stopped mid-iteration; the engine lets the iteration finish.
			return
		}

		if !res.Success {
			p.logger.Error().
				Str("task_id", id).
				Err(res.Err).
				Msg("periodic iteration failed")
		}
		if p.callback != nil {
			p.invokeCallback(res)
		}

		// Interval runs from the end of one execution to the start of the
		// next; drift under load is expected.
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.interval):
		}
	}
}

func (p *PeriodicTask) invokeCallback(res TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("task_id", res.TaskID).
				Interface("panic", r).
				Msg("periodic callback panicked")
		}
	}()
	p.callback(res)
}
