// Package pipeline runs the add-member flow for one queue row against a
// browser session and classifies how it ended.
//
// Each step polls for its element a bounded number of times, waiting the
// poll interval before every probe. A step that runs out of attempts either
// completes the row with a soft label (the group is gone, the contact is
// private) or fails the step, which halts the worker. Driver errors other
// than a missing element are fatal.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/entrhq/fleet/pkg/browser"
	"github.com/entrhq/fleet/pkg/config"
	"github.com/entrhq/fleet/pkg/queue"
)

// DefaultKeyDelay is the pause between typed keys.
const DefaultKeyDelay = 100 * time.Millisecond

// Logger is the subset of a worker logger the pipeline writes to.
type Logger interface {
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// StepObserver is told how long each step ran and how it ended.
type StepObserver func(step string, elapsed time.Duration, result string)

// Timing holds the waits of the flow.
type Timing struct {
	PollInterval time.Duration
	MaxAttempts  int
	Settle       time.Duration
	PageLoad     time.Duration
	KeyDelay     time.Duration
}

// TimingFromSettings converts service settings.
func TimingFromSettings(t config.TimingSettings) Timing {
	return Timing{
		PollInterval: t.PollInterval,
		MaxAttempts:  t.MaxAttempts,
		Settle:       t.Settle,
		PageLoad:     t.PageLoad,
		KeyDelay:     DefaultKeyDelay,
	}
}

// Pipeline executes the step list.
type Pipeline struct {
	timing   Timing
	steps    []Step
	log      Logger
	snapshot string
	observe  StepObserver
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets where step progress is written.
func WithLogger(l Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithSnapshotPath sets where diagnostic captures are written. Without one
// nothing is captured.
func WithSnapshotPath(path string) Option {
	return func(p *Pipeline) {
		p.snapshot = path
	}
}

// WithStepObserver reports step timings.
func WithStepObserver(fn StepObserver) Option {
	return func(p *Pipeline) {
		p.observe = fn
	}
}

// WithSteps replaces the step list.
func WithSteps(steps []Step) Option {
	return func(p *Pipeline) {
		p.steps = steps
	}
}

// New creates a pipeline running Steps.
func New(timing Timing, opts ...Option) *Pipeline {
	if timing.MaxAttempts <= 0 {
		timing.MaxAttempts = 1
	}
	p := &Pipeline{
		timing: timing,
		steps:  Steps(),
		log:    nopLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs every step for row. It reloads the page first so each row
// starts from the chat list.
func (p *Pipeline) Execute(ctx context.Context, session browser.Session, row queue.Row) (outcome Outcome) {
	r := &runner{
		session:  session,
		timing:   p.timing,
		log:      p.log,
		snapshot: p.snapshot,
	}

	defer func() {
		if v := recover(); v != nil {
			p.log.Errorf("Pipeline panic: %v", v)
			outcome = fatal("panic", fmt.Errorf("panic: %v", v))
		}
	}()

	if err := session.Reload(ctx); err != nil {
		return r.fail(ctx, "reload", err)
	}
	if err := Sleep(ctx, p.timing.PageLoad); err != nil {
		return fatal("reload", err)
	}

	for _, step := range p.steps {
		started := time.Now()
		out, err := step.Do(ctx, r, row)

		switch {
		case err != nil:
			p.record(step.Name, started, "error")
			return r.fail(ctx, step.Name, err)
		case out != nil:
			p.record(step.Name, started, out.Kind.String())
			return *out
		}
		p.record(step.Name, started, "continue")

		if step.Settle {
			if err := Sleep(ctx, p.timing.Settle); err != nil {
				return fatal(step.Name, err)
			}
		}
	}

	// A flow without a deciding step has nothing to classify.
	return stepFailed("end", "", "flow ended without an outcome")
}

func (p *Pipeline) record(step string, started time.Time, result string) {
	if p.observe != nil {
		p.observe(step, time.Since(started), result)
	}
}

// runner carries per-row state shared by the steps.
type runner struct {
	session  browser.Session
	timing   Timing
	log      Logger
	snapshot string
}

func (r *runner) poll(ctx context.Context, probe Probe) (Result, error) {
	return RetryUntil(ctx, probe, r.timing.PollInterval, r.timing.MaxAttempts)
}

// present probes whether selector matches.
func (r *runner) present(selector string) Probe {
	return func(ctx context.Context) (bool, error) {
		if _, err := r.session.Query(ctx, selector); err != nil {
			return false, notFoundIsFalse(err)
		}
		return true, nil
	}
}

// clickFirst probes for selector and clicks it when found.
func (r *runner) clickFirst(selector string) Probe {
	return func(ctx context.Context) (bool, error) {
		el, err := r.session.Query(ctx, selector)
		if err != nil {
			return false, notFoundIsFalse(err)
		}
		if err := el.Click(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
}

// capture writes a full-page snapshot. Failures are logged and ignored.
func (r *runner) capture(ctx context.Context) {
	if r.snapshot == "" || ctx.Err() != nil {
		return
	}
	if _, err := r.session.Screenshot(ctx, r.snapshot); err != nil {
		r.log.Warnf("Diagnostic capture failed: %v", err)
	}
}

// fail turns a step error into a Fatal outcome. Cancellation is not
// captured.
func (r *runner) fail(ctx context.Context, step string, err error) Outcome {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fatal(step, err)
	}
	r.log.Errorf("Error in %s: %v", step, err)
	r.capture(ctx)
	return fatal(step, err)
}
