package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/fleet/pkg/browser"
	"github.com/entrhq/fleet/pkg/config"
	"github.com/entrhq/fleet/pkg/pipeline"
	"github.com/entrhq/fleet/pkg/types"
)

// LinkInfo is what an operator needs to link a device: the latest QR
// snapshot and whether the session already reached the chat list.
type LinkInfo struct {
	ID        types.WorkerID
	State     types.WorkerState
	LoggedIn  bool
	QR        []byte
	QRPath    string
	UpdatedAt time.Time
}

// Handle is a linking session opened by Start.
type Handle struct {
	id      types.WorkerID
	session browser.Session
	qrPath  string

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	loggedIn  bool
	qr        []byte
	updatedAt time.Time

	closeOnce sync.Once
	closeErr  error
}

func (h *Handle) info() LinkInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return LinkInfo{
		ID:        h.id,
		LoggedIn:  h.loggedIn,
		QR:        h.qr,
		QRPath:    h.qrPath,
		UpdatedAt: h.updatedAt,
	}
}

// Close stops the QR refresh and closes the session.
func (h *Handle) Close(ctx context.Context, grace time.Duration) error {
	h.closeOnce.Do(func() {
		h.cancel()
		select {
		case <-h.done:
		case <-ctx.Done():
		}
		h.closeErr = h.session.Close(ctx, grace)
	})
	return h.closeErr
}

// Start opens a linking session for the worker and begins refreshing its
// QR snapshot. Calling Start again while the session is open returns the
// existing link info.
func (s *Supervisor) Start(ctx context.Context, id types.WorkerID) (LinkInfo, error) {
	if err := s.requireProfile(id); err != nil {
		return LinkInfo{}, err
	}

	w := s.worker(id)
	w.op.Lock()
	defer w.op.Unlock()

	w.mu.Lock()
	existing, running := w.handle, w.run != nil
	w.mu.Unlock()
	if existing != nil {
		return s.linkInfo(existing), nil
	}
	if running {
		return LinkInfo{}, fmt.Errorf("%w: %s", ErrWorkerBusy, id.Name())
	}

	// Stop cancels startCtx without waiting for op.
	startCtx, cancelStart := context.WithCancel(ctx)
	w.mu.Lock()
	w.starting = cancelStart
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.starting = nil
		w.mu.Unlock()
		cancelStart()
	}()

	log := s.logs.Worker(id)
	s.setState(id, types.StateStarting)

	failed := func() types.WorkerState {
		if startCtx.Err() != nil {
			return types.StateStopped
		}
		return types.StateError
	}

	session, err := s.driver.Open(startCtx, browser.Profile{ID: id, Dir: s.layout.ProfileDir(id)})
	if err != nil {
		log.Errorf("Failed to open browser: %v", err)
		s.cleanup(ctx, id)
		s.setState(id, failed())
		return LinkInfo{}, err
	}

	abort := func(state types.WorkerState, err error) (LinkInfo, error) {
		if cerr := session.Close(context.WithoutCancel(ctx), s.cfg.CloseGrace); cerr != nil {
			log.Warnf("Failed to close session: %v", cerr)
		}
		s.cleanup(ctx, id)
		s.setState(id, state)
		return LinkInfo{}, err
	}

	if err := session.Goto(startCtx, s.cfg.TargetURL); err != nil {
		log.Errorf("Failed to open %s: %v", s.cfg.TargetURL, err)
		return abort(failed(), err)
	}
	if err := pipeline.Sleep(startCtx, s.cfg.StartWait); err != nil {
		log.Infof("Start cancelled")
		return abort(types.StateStopped, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		id:      id,
		session: session,
		qrPath:  s.layout.QRFile(id),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	w.mu.Lock()
	w.handle = h
	w.mu.Unlock()

	s.setState(id, types.StateAwaitingLink)
	go s.watchLink(loopCtx, h)

	log.Infof("Linking session opened")
	return s.linkInfo(h), nil
}

// LinkInfo returns the QR state of the worker's linking session.
func (s *Supervisor) LinkInfo(id types.WorkerID) (LinkInfo, error) {
	if err := s.requireProfile(id); err != nil {
		return LinkInfo{}, err
	}

	w := s.worker(id)
	w.mu.Lock()
	h := w.handle
	w.mu.Unlock()
	if h == nil {
		return LinkInfo{}, fmt.Errorf("%w: %s", ErrNoSession, id.Name())
	}
	return s.linkInfo(h), nil
}

func (s *Supervisor) linkInfo(h *Handle) LinkInfo {
	info := h.info()
	info.State = s.tracker.Get(h.id)
	return info
}

// watchLink refreshes the QR snapshot until the chat list shows up or the
// handle is closed.
func (s *Supervisor) watchLink(ctx context.Context, h *Handle) {
	defer close(h.done)

	ticker := time.NewTicker(s.cfg.QRRefresh)
	defer ticker.Stop()

	for {
		if s.pollLink(ctx, h) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollLink reports whether the session is logged in, snapshotting the QR
// code while it is not.
func (s *Supervisor) pollLink(ctx context.Context, h *Handle) bool {
	log := s.logs.Worker(h.id)

	_, err := h.session.Query(ctx, pipeline.SelectorChatList)
	switch {
	case err == nil:
		h.mu.Lock()
		h.loggedIn = true
		h.mu.Unlock()

		if _, err := s.configs.Update(h.id, config.Patch{QRLoggedIn: config.Bool(true)}); err != nil {
			log.Warnf("Failed to persist link state: %v", err)
		}
		s.bus.Publish(types.NewLinkUpdatedEvent(h.id, true))
		s.setState(h.id, types.StateLinked)
		log.Infof("Device linked")
		return true
	case !errors.Is(err, browser.ErrNotFound):
		if ctx.Err() == nil {
			log.Warnf("Link check failed: %v", err)
		}
		return false
	}

	if _, err := h.session.Query(ctx, pipeline.SelectorQRCanvas); err != nil {
		return false
	}
	data, err := h.session.Screenshot(ctx, h.qrPath)
	if err != nil {
		if ctx.Err() == nil {
			log.Warnf("QR snapshot failed: %v", err)
		}
		return false
	}

	h.mu.Lock()
	h.qr = data
	h.updatedAt = time.Now()
	h.mu.Unlock()
	return false
}
