// Package supervisor owns the lifecycle of every worker: its profile, its
// linking session and its run loop.
//
// At most one browser session is alive per worker at any time. Lifecycle
// operations on the same worker are serialized; operations on different
// workers run independently.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/entrhq/fleet/pkg/browser"
	"github.com/entrhq/fleet/pkg/config"
	"github.com/entrhq/fleet/pkg/logging"
	"github.com/entrhq/fleet/pkg/metrics"
	"github.com/entrhq/fleet/pkg/queue"
	"github.com/entrhq/fleet/pkg/status"
	"github.com/entrhq/fleet/pkg/types"
)

var (
	// ErrProfileNotFound is returned for operations on an unknown worker.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrProfileExists is returned when creating a profile that exists.
	ErrProfileExists = errors.New("profile already exists")

	// ErrWorkerBusy is returned for destructive operations on a worker that
	// holds a session or a run loop.
	ErrWorkerBusy = errors.New("worker is running, stop it first")

	// ErrNoSession is returned by LinkInfo when the worker was not started.
	ErrNoSession = errors.New("worker has no linking session")

	// ErrNoRun is returned by Wait when the worker never ran.
	ErrNoRun = errors.New("worker has not been run")
)

// Deps are the collaborators of a Supervisor.
type Deps struct {
	Layout  config.Layout
	Driver  browser.Driver
	Queue   *queue.Store
	Configs *config.WorkerStore
	Logs    *logging.Manager
	Bus     *status.Bus
}

// Supervisor manages workers.
type Supervisor struct {
	cfg     Config
	layout  config.Layout
	driver  browser.Driver
	queue   *queue.Store
	configs *config.WorkerStore
	logs    *logging.Manager
	bus     *status.Bus
	tracker *status.Tracker
	metrics *metrics.Collector

	killRenderers func(ctx context.Context, profileDir string) error

	randMu sync.Mutex
	rand   *rand.Rand

	mu      sync.Mutex
	workers map[types.WorkerID]*worker
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithMetrics records processing metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Supervisor) {
		s.metrics = c
	}
}

// WithRand sets the source of row delays.
func WithRand(r *rand.Rand) Option {
	return func(s *Supervisor) {
		s.rand = r
	}
}

// WithRendererKiller replaces the process cleanup run after a session closes.
func WithRendererKiller(fn func(ctx context.Context, profileDir string) error) Option {
	return func(s *Supervisor) {
		s.killRenderers = fn
	}
}

// New creates a supervisor.
func New(deps Deps, cfg Config, opts ...Option) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid supervisor config: %w", err)
	}
	if deps.Driver == nil || deps.Queue == nil || deps.Configs == nil || deps.Logs == nil || deps.Bus == nil {
		return nil, fmt.Errorf("supervisor requires driver, queue, configs, logs and bus")
	}

	s := &Supervisor{
		cfg:           cfg,
		layout:        deps.Layout,
		driver:        deps.Driver,
		queue:         deps.Queue,
		configs:       deps.Configs,
		logs:          deps.Logs,
		bus:           deps.Bus,
		tracker:       status.NewTracker(),
		killRenderers: browser.KillRenderers,
		rand:          rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		workers:       make(map[types.WorkerID]*worker),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics != nil {
		s.metrics.WatchDropped(s.bus.Dropped)
		s.metrics.WatchSubscribers(s.bus.Subscribers)
	}
	return s, nil
}

// worker is the per-id bookkeeping. op serializes lifecycle operations; mu
// guards the fields and is the only lock the run goroutine takes.
type worker struct {
	id types.WorkerID
	op sync.Mutex

	mu       sync.Mutex
	handle   *Handle
	run      *runUnit
	lastRun  *runUnit
	starting context.CancelFunc
}

func (w *worker) busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handle != nil || w.run != nil || w.starting != nil
}

// detach takes the handle and run unit off the worker.
func (w *worker) detach() (*Handle, *runUnit) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, r := w.handle, w.run
	w.handle, w.run = nil, nil
	return h, r
}

func (s *Supervisor) worker(id types.WorkerID) *worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		w = &worker{id: id}
		s.workers[id] = w
	}
	return w
}

func (s *Supervisor) knownIDs() []types.WorkerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]types.WorkerID, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Supervisor) profileExists(id types.WorkerID) bool {
	info, err := os.Stat(s.layout.ProfileDir(id))
	return err == nil && info.IsDir()
}

func (s *Supervisor) requireProfile(id types.WorkerID) error {
	if !id.Valid() || !s.profileExists(id) {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, id.Name())
	}
	return nil
}

// setState records a transition and writes the "Worker <ID> <state>" line
// the log-derived status is computed from.
func (s *Supervisor) setState(id types.WorkerID, state types.WorkerState) {
	s.tracker.Set(id, state)
	s.logs.Main().Infof("Worker %s %s", id, state)
	s.bus.Publish(types.NewStateChangedEvent(id, string(state)))
}

// ProfileInfo describes one worker profile.
type ProfileInfo struct {
	ID      types.WorkerID
	Name    string
	State   types.WorkerState
	Status  string
	Pending int
	Active  bool
}

// CreateProfile creates the profile directory, an empty queue and the
// default config. An id of zero picks the next id after the existing
// profiles.
func (s *Supervisor) CreateProfile(id types.WorkerID) (types.WorkerID, error) {
	if id == 0 {
		next, err := s.nextID()
		if err != nil {
			return 0, err
		}
		id = next
	}
	if !id.Valid() {
		return 0, fmt.Errorf("%w: %s", ErrProfileNotFound, id.Name())
	}

	w := s.worker(id)
	w.op.Lock()
	defer w.op.Unlock()

	if s.profileExists(id) {
		return 0, fmt.Errorf("%w: %s", ErrProfileExists, id.Name())
	}
	if err := os.MkdirAll(s.layout.ProfileDir(id), 0750); err != nil {
		return 0, fmt.Errorf("failed to create profile directory: %w", err)
	}
	if _, err := s.queue.Load(id); err != nil {
		return 0, err
	}
	if _, err := s.configs.Create(id); err != nil {
		return 0, err
	}

	s.logs.Main().Infof("Profile %s created", id.Name())
	s.tracker.Set(id, types.StateIdle)
	return id, nil
}

// nextID returns the number of existing profiles plus one, skipping ids
// that are taken.
func (s *Supervisor) nextID() (types.WorkerID, error) {
	dirs, err := browser.ProfileDirs(s.layout.ProfilesDir())
	if err != nil {
		return 0, err
	}
	id := types.WorkerID(len(dirs) + 1)
	for s.profileExists(id) {
		id++
	}
	return id, nil
}

// DeleteProfile removes every file of the worker. It is rejected while the
// worker is active.
func (s *Supervisor) DeleteProfile(id types.WorkerID) error {
	if err := s.requireProfile(id); err != nil {
		return err
	}

	w := s.worker(id)
	w.op.Lock()
	defer w.op.Unlock()

	if w.busy() {
		return fmt.Errorf("%w: %s", ErrWorkerBusy, id.Name())
	}

	var errs []error
	errs = append(errs, s.queue.Remove(id), s.configs.Remove(id), s.logs.Remove(id))
	for _, path := range []string{s.layout.SnapshotFile(id), s.layout.QRFile(id)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(s.layout.ProfileDir(id)); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove profile directory: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.tracker.Forget(id)
	if s.metrics != nil {
		s.metrics.ForgetWorker(id)
	}
	s.logs.Main().Infof("Profile %s deleted", id.Name())
	return nil
}

// ClearProfile empties the worker's queue, counters and log while keeping
// the browser profile, so the device stays linked. It is rejected while the
// worker is active.
func (s *Supervisor) ClearProfile(id types.WorkerID) error {
	if err := s.requireProfile(id); err != nil {
		return err
	}

	w := s.worker(id)
	w.op.Lock()
	defer w.op.Unlock()

	if w.busy() {
		return fmt.Errorf("%w: %s", ErrWorkerBusy, id.Name())
	}

	if err := s.queue.Reset(id); err != nil {
		return err
	}
	if _, err := s.configs.Reset(id); err != nil {
		if !errors.Is(err, config.ErrNotFound) {
			return err
		}
		if _, err := s.configs.Create(id); err != nil {
			return err
		}
	}
	if err := s.logs.Reset(id); err != nil {
		return err
	}
	if _, err := browser.RemoveLocks(s.layout.ProfileDir(id)); err != nil {
		s.logs.Worker(id).Warnf("Failed to remove lock files: %v", err)
	}

	if s.metrics != nil {
		s.metrics.SetPending(id, 0)
	}
	s.logs.Main().Infof("Profile %s cleared", id.Name())
	return nil
}

// UploadQueue replaces the worker's queue with an uploaded table and returns
// the pending count. Uploading while running is allowed; the loop reloads
// the file before every row.
func (s *Supervisor) UploadQueue(id types.WorkerID, r io.Reader, filename string) (int, error) {
	if err := s.requireProfile(id); err != nil {
		return 0, err
	}

	pending, err := s.queue.Import(id, r, filename)
	if err != nil {
		return 0, err
	}
	if _, err := s.configs.Update(id, config.Patch{
		QueueSize:    config.Int(pending),
		IsTableExist: config.Bool(true),
	}); err != nil {
		return 0, err
	}

	if s.metrics != nil {
		s.metrics.SetPending(id, pending)
	}
	s.logs.Worker(id).Infof("Queue uploaded from %s with %d pending rows", filename, pending)
	return pending, nil
}

// ListProfiles describes every profile on disk.
func (s *Supervisor) ListProfiles() ([]ProfileInfo, error) {
	dirs, err := browser.ProfileDirs(s.layout.ProfilesDir())
	if err != nil {
		return nil, err
	}

	infos := make([]ProfileInfo, 0, len(dirs))
	for _, dir := range dirs {
		id, err := types.ParseWorkerID(filepath.Base(dir))
		if err != nil {
			continue
		}
		pending, _ := s.queue.PendingCount(id)
		infos = append(infos, ProfileInfo{
			ID:      id,
			Name:    id.Name(),
			State:   s.tracker.Get(id),
			Status:  s.bus.Status(id),
			Pending: pending,
			Active:  s.worker(id).busy(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// Status reports a worker's canonical and log-derived status.
type Status struct {
	ID      types.WorkerID
	State   types.WorkerState
	Derived string
	Active  bool
}

// Status returns the current status of a worker.
func (s *Supervisor) Status(id types.WorkerID) (Status, error) {
	if err := s.requireProfile(id); err != nil {
		return Status{}, err
	}
	return Status{
		ID:      id,
		State:   s.tracker.Get(id),
		Derived: s.bus.Status(id),
		Active:  s.worker(id).busy(),
	}, nil
}

// Subscribe registers observer on the status bus.
func (s *Supervisor) Subscribe(observer string, filter status.Filter) *status.Subscription {
	return s.bus.Subscribe(observer, filter)
}

// Unsubscribe closes one subscription.
func (s *Supervisor) Unsubscribe(sub *status.Subscription) {
	s.bus.Unsubscribe(sub)
}

// Release closes every subscription of observer.
func (s *Supervisor) Release(observer string) int {
	return s.bus.Release(observer)
}

// GetConfig returns the worker's config.
func (s *Supervisor) GetConfig(id types.WorkerID) (config.WorkerConfig, error) {
	if err := s.requireProfile(id); err != nil {
		return config.WorkerConfig{}, err
	}
	return s.configs.Get(id)
}

// QueueSize counts the worker's pending rows from the queue file, which may
// differ from the stored counter after an external edit.
func (s *Supervisor) QueueSize(id types.WorkerID) (int, error) {
	if err := s.requireProfile(id); err != nil {
		return 0, err
	}
	return s.configs.QueueSize(id)
}

// UpdateConfig merges patch into the worker's config.
func (s *Supervisor) UpdateConfig(id types.WorkerID, patch config.Patch) (config.WorkerConfig, error) {
	if err := s.requireProfile(id); err != nil {
		return config.WorkerConfig{}, err
	}
	return s.configs.Update(id, patch)
}

// Stop cancels the worker's run loop and closes its session, then removes
// stray renderer processes and lock files. It waits for the loop to exit
// until ctx is done. Stop always succeeds.
func (s *Supervisor) Stop(ctx context.Context, id types.WorkerID) {
	w := s.worker(id)

	// A Start in progress holds op; cancel it first.
	w.mu.Lock()
	if w.starting != nil {
		w.starting()
	}
	w.mu.Unlock()

	w.op.Lock()
	defer w.op.Unlock()

	h, r := w.detach()
	s.release(ctx, id, h, r)

	if h != nil || r != nil {
		s.logs.Main().Infof("Profile %s has terminated", id.Name())
		// A cancelled run records its own transition.
		if r == nil {
			s.setState(id, types.StateStopped)
		}
	}
}

// release tears down a detached handle and run unit.
func (s *Supervisor) release(ctx context.Context, id types.WorkerID, h *Handle, r *runUnit) {
	if r != nil {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			s.logs.Worker(id).Warnf("Run loop did not exit before stop deadline")
		}
	}
	if h != nil {
		if err := h.Close(ctx, s.cfg.CloseGrace); err != nil {
			s.logs.Worker(id).Warnf("Failed to close session: %v", err)
		}
	}
	s.cleanup(ctx, id)
}

// cleanup kills leftover renderers and removes lock files. Failures are
// logged and swallowed.
func (s *Supervisor) cleanup(ctx context.Context, id types.WorkerID) {
	dir := s.layout.ProfileDir(id)

	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if s.killRenderers != nil {
		if err := s.killRenderers(killCtx, dir); err != nil {
			s.logs.Worker(id).Warnf("Renderer cleanup failed: %v", err)
		}
	}
	if _, err := browser.RemoveLocks(dir); err != nil {
		s.logs.Worker(id).Warnf("Lock cleanup failed: %v", err)
	}
}

// CloseAll stops every known worker and sweeps lock files from every
// profile directory.
func (s *Supervisor) CloseAll(ctx context.Context) {
	for _, id := range s.knownIDs() {
		s.Stop(ctx, id)
	}
	if n, err := browser.SweepLocks(s.layout.ProfilesDir()); err != nil {
		s.logs.Main().Warnf("Lock sweep failed after removing %d files: %v", n, err)
	}
	s.logs.Main().Infof("All workers cleaned")
}
