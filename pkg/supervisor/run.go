package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/entrhq/fleet/pkg/browser"
	"github.com/entrhq/fleet/pkg/config"
	"github.com/entrhq/fleet/pkg/pipeline"
	"github.com/entrhq/fleet/pkg/queue"
	"github.com/entrhq/fleet/pkg/types"
)

// RunResult is the completion signal of a run loop.
type RunResult struct {
	// Done is true when the queue was exhausted.
	Done bool

	// Message explains why the loop ended.
	Message string

	// Processed counts the rows stamped by this run.
	Processed int
}

// runUnit is one run loop goroutine.
type runUnit struct {
	cancel context.CancelFunc
	done   chan struct{}
	result RunResult
}

// Run releases any previous session of the worker and starts its run loop
// in the background. Use Wait or the run_finished event to learn how it
// ended.
func (s *Supervisor) Run(ctx context.Context, id types.WorkerID) error {
	if err := s.requireProfile(id); err != nil {
		return err
	}

	w := s.worker(id)
	w.op.Lock()
	defer w.op.Unlock()

	if h, r := w.detach(); h != nil || r != nil {
		s.logs.Worker(id).Infof("Releasing previous session")
		s.release(ctx, id, h, r)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	u := &runUnit{cancel: cancel, done: make(chan struct{})}

	w.mu.Lock()
	w.run = u
	w.lastRun = u
	w.mu.Unlock()

	go s.loop(runCtx, w, u)
	return nil
}

// Wait blocks until the worker's latest run loop exits or ctx is done.
func (s *Supervisor) Wait(ctx context.Context, id types.WorkerID) (RunResult, error) {
	w := s.worker(id)
	w.mu.Lock()
	u := w.lastRun
	w.mu.Unlock()
	if u == nil {
		return RunResult{}, fmt.Errorf("%w: %s", ErrNoRun, id.Name())
	}

	select {
	case <-u.done:
		return u.result, nil
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}
}

// loop drives one run unit and releases everything it holds on exit.
func (s *Supervisor) loop(ctx context.Context, w *worker, u *runUnit) {
	id := w.id
	log := s.logs.Worker(id)

	if s.metrics != nil {
		s.metrics.WorkerStarted()
	}

	var (
		session browser.Session
		state   types.WorkerState
		result  RunResult
	)

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Run loop panicked: %v", r)
			state = types.StateError
			result.Done = false
			result.Message = fmt.Sprintf("run loop panicked: %v", r)
		}

		if session != nil {
			if err := session.Close(context.WithoutCancel(ctx), s.cfg.CloseGrace); err != nil {
				log.Warnf("Failed to close session: %v", err)
			}
		}
		s.cleanup(ctx, id)

		if s.metrics != nil {
			s.metrics.WorkerStopped()
		}
		s.setState(id, state)
		s.bus.Publish(types.NewRunFinishedEvent(id, string(state), result.Done, result.Message))
		log.Infof("Run finished: %s", result.Message)

		w.mu.Lock()
		if w.run == u {
			w.run = nil
		}
		w.mu.Unlock()

		u.result = result
		close(u.done)
	}()

	state, result = s.process(ctx, id, &session)
}

// process is the fetch, execute, record and delay cycle. It opens the
// session lazily into *session so the caller can close it.
func (s *Supervisor) process(ctx context.Context, id types.WorkerID, session *browser.Session) (types.WorkerState, RunResult) {
	log := s.logs.Worker(id)
	result := RunResult{}

	stopped := func() (types.WorkerState, RunResult) {
		result.Message = "Run stopped"
		return types.StateStopped, result
	}
	failed := func(format string, v ...interface{}) (types.WorkerState, RunResult) {
		result.Message = fmt.Sprintf(format, v...)
		log.Errorf("%s", result.Message)
		return types.StateError, result
	}

	s.setState(id, types.StateRunning)

	opts := []pipeline.Option{
		pipeline.WithLogger(log),
		pipeline.WithSnapshotPath(s.layout.SnapshotFile(id)),
	}
	if s.metrics != nil {
		opts = append(opts, pipeline.WithStepObserver(s.metrics.ObserveStep))
	}
	p := pipeline.New(s.cfg.Pipeline, opts...)

	for {
		if ctx.Err() != nil {
			return stopped()
		}

		row, err := s.queue.NextPending(id)
		if err != nil {
			return failed("Failed to read queue: %v", err)
		}
		if row == nil {
			result.Done = true
			result.Message = "Queue complete"
			return types.StateDone, result
		}

		if *session == nil {
			opened, err := s.open(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return stopped()
				}
				return failed("Failed to open browser: %v", err)
			}
			*session = opened
		}

		log.Infof("Processing %s (%s)", row.Member, row.Group)
		outcome := p.Execute(ctx, *session, *row)

		if !outcome.Advances() {
			if ctx.Err() != nil {
				return stopped()
			}
			if s.metrics != nil {
				s.metrics.RecordHalt(id, outcome.Kind.String())
			}
			if outcome.Kind == pipeline.LoggedOut {
				s.markLoggedOut(id)
			}
			return failed("Halted at %s: %s", outcome.Step, outcome.Message)
		}

		if err := s.record(id, *row, outcome.Label); err != nil {
			return failed("Failed to record %s: %v", row.Member, err)
		}
		result.Processed++

		pending, err := s.queue.PendingCount(id)
		if err != nil {
			return failed("Failed to count pending rows: %v", err)
		}
		if pending == 0 {
			continue
		}

		cfg, err := s.configs.Get(id)
		if err != nil {
			log.Warnf("Using default delay: %v", err)
			cfg = config.DefaultWorkerConfig()
		}
		delay := time.Duration(s.randomDelay(cfg)) * s.cfg.DelayUnit

		s.setState(id, types.StateDelaying)
		log.Infof("Waiting %s before the next row, %d pending", delay, pending)
		if err := pipeline.Sleep(ctx, delay); err != nil {
			return stopped()
		}
		s.setState(id, types.StateRunning)
	}
}

// open starts the run session and navigates to the chat client.
func (s *Supervisor) open(ctx context.Context, id types.WorkerID) (browser.Session, error) {
	session, err := s.driver.Open(ctx, browser.Profile{ID: id, Dir: s.layout.ProfileDir(id)})
	if err != nil {
		return nil, err
	}
	if err := session.Goto(ctx, s.cfg.TargetURL); err != nil {
		_ = session.Close(context.WithoutCancel(ctx), s.cfg.CloseGrace)
		return nil, err
	}
	if err := pipeline.Sleep(ctx, s.cfg.StartWait); err != nil {
		_ = session.Close(context.WithoutCancel(ctx), s.cfg.CloseGrace)
		return nil, err
	}
	return session, nil
}

// record stamps the row and refreshes the pending counters. A row that
// vanished from the file is a warning.
func (s *Supervisor) record(id types.WorkerID, row queue.Row, label types.Status) error {
	log := s.logs.Worker(id)

	err := s.queue.Update(id, row, label)
	switch {
	case errors.Is(err, queue.ErrRowNotFound):
		log.Warnf("Row for %s not found, queue was edited", row.Member)
	case err != nil:
		return err
	default:
		log.Infof("%s: %s", row.Member, label)
	}

	pending, err := s.queue.PendingCount(id)
	if err != nil {
		return err
	}
	if _, err := s.configs.Update(id, config.Patch{QueueSize: config.Int(pending)}); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordRow(id, label)
		s.metrics.SetPending(id, pending)
	}
	return nil
}

func (s *Supervisor) markLoggedOut(id types.WorkerID) {
	if _, err := s.configs.Update(id, config.Patch{QRLoggedIn: config.Bool(false)}); err != nil {
		s.logs.Worker(id).Warnf("Failed to persist link state: %v", err)
	}
	s.bus.Publish(types.NewLinkUpdatedEvent(id, false))
}

func (s *Supervisor) randomDelay(cfg config.WorkerConfig) int {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return RandomDelay(s.rand, cfg)
}
