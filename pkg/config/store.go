package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/entrhq/fleet/pkg/types"
)

// Default values for a freshly created worker config
const (
	DefaultDelayRandomStart = 240
	DefaultDelayRandomEnd   = 300
)

var (
	// ErrNotFound is returned when a worker has no config file.
	ErrNotFound = errors.New("worker config not found")

	// ErrInvalidDelay is returned when an update would leave start > end or a negative bound.
	ErrInvalidDelay = errors.New("invalid delay bounds")

	// ErrInvalidQueueSize is returned when an update carries a negative queue size.
	ErrInvalidQueueSize = errors.New("invalid queue size")
)

// WorkerConfig holds the mutable per-worker settings. Delay bounds are in
// minutes and inclusive.
type WorkerConfig struct {
	DelayRandomStart int    `json:"delayRandomStart"`
	DelayRandomEnd   int    `json:"delayRandomEnd"`
	Note             string `json:"note"`
	IsTableExist     bool   `json:"isTableExist"`
	QRLoggedIn       bool   `json:"qrLoggedIn"`
	QueueSize        int    `json:"queueSize"`
}

// DefaultWorkerConfig returns the config written at profile creation.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		DelayRandomStart: DefaultDelayRandomStart,
		DelayRandomEnd:   DefaultDelayRandomEnd,
	}
}

// Validate checks the delay bounds and counters.
func (c WorkerConfig) Validate() error {
	if c.DelayRandomStart < 0 || c.DelayRandomEnd < 0 {
		return fmt.Errorf("%w: bounds must not be negative", ErrInvalidDelay)
	}
	if c.DelayRandomStart > c.DelayRandomEnd {
		return fmt.Errorf("%w: start %d is after end %d", ErrInvalidDelay, c.DelayRandomStart, c.DelayRandomEnd)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQueueSize, c.QueueSize)
	}
	return nil
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	DelayRandomStart *int    `json:"delayRandomStart,omitempty"`
	DelayRandomEnd   *int    `json:"delayRandomEnd,omitempty"`
	Note             *string `json:"note,omitempty"`
	IsTableExist     *bool   `json:"isTableExist,omitempty"`
	QRLoggedIn       *bool   `json:"qrLoggedIn,omitempty"`
	QueueSize        *int    `json:"queueSize,omitempty"`
}

// Int returns a pointer to v, for building patches.
func Int(v int) *int { return &v }

// Bool returns a pointer to v, for building patches.
func Bool(v bool) *bool { return &v }

// String returns a pointer to v, for building patches.
func String(v string) *string { return &v }

// PendingCounter counts pending queue rows for a worker.
type PendingCounter interface {
	PendingCount(id types.WorkerID) (int, error)
}

// WorkerStore persists WorkerConfig objects, one JSON file per worker.
// Every call reads the file from disk; nothing is cached.
type WorkerStore struct {
	layout    Layout
	counter   PendingCounter
	publisher types.Publisher

	mu    sync.Mutex
	locks map[types.WorkerID]*sync.Mutex
}

// StoreOption configures a WorkerStore.
type StoreOption func(*WorkerStore)

// WithPendingCounter sets the source used by QueueSize.
func WithPendingCounter(counter PendingCounter) StoreOption {
	return func(s *WorkerStore) {
		s.counter = counter
	}
}

// WithPublisher sets where change notifications are sent.
func WithPublisher(publisher types.Publisher) StoreOption {
	return func(s *WorkerStore) {
		s.publisher = publisher
	}
}

// NewWorkerStore creates a store rooted at layout.
func NewWorkerStore(layout Layout, opts ...StoreOption) *WorkerStore {
	s := &WorkerStore{
		layout: layout,
		locks:  make(map[types.WorkerID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WorkerStore) lock(id types.WorkerID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Exists reports whether the worker has a config file.
func (s *WorkerStore) Exists(id types.WorkerID) bool {
	_, err := os.Stat(s.layout.WorkerConfigFile(id))
	return err == nil
}

// Create writes the default config unless one already exists.
func (s *WorkerStore) Create(id types.WorkerID) (WorkerConfig, error) {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	if cfg, err := s.read(id); err == nil {
		return cfg, nil
	} else if !errors.Is(err, ErrNotFound) {
		return WorkerConfig{}, err
	}

	cfg := DefaultWorkerConfig()
	raw, err := toRaw(cfg)
	if err != nil {
		return WorkerConfig{}, err
	}
	if err := writeJSONAtomic(s.layout.WorkerConfigFile(id), raw); err != nil {
		return WorkerConfig{}, err
	}
	return cfg, nil
}

// Get returns the stored config.
func (s *WorkerStore) Get(id types.WorkerID) (WorkerConfig, error) {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	return s.read(id)
}

// Update merges patch over the stored config and persists the result.
// Keys in the file that WorkerConfig does not know are kept.
func (s *WorkerStore) Update(id types.WorkerID, patch Patch) (WorkerConfig, error) {
	l := s.lock(id)
	l.Lock()
	cfg, err := s.update(id, patch)
	l.Unlock()
	if err != nil {
		return WorkerConfig{}, err
	}

	if s.publisher != nil {
		s.publisher.Publish(types.NewConfigUpdatedEvent(id, cfg.QueueSize))
	}
	return cfg, nil
}

func (s *WorkerStore) update(id types.WorkerID, patch Patch) (WorkerConfig, error) {
	raw, err := s.readRaw(id)
	if err != nil {
		return WorkerConfig{}, err
	}

	patchRaw, err := toRaw(patch)
	if err != nil {
		return WorkerConfig{}, err
	}
	for k, v := range patchRaw {
		raw[k] = v
	}

	cfg, err := fromRaw(raw)
	if err != nil {
		return WorkerConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return WorkerConfig{}, err
	}

	if err := writeJSONAtomic(s.layout.WorkerConfigFile(id), raw); err != nil {
		return WorkerConfig{}, err
	}
	return cfg, nil
}

// QueueSize recomputes the pending row count from the queue itself.
func (s *WorkerStore) QueueSize(id types.WorkerID) (int, error) {
	if s.counter == nil {
		return 0, errors.New("no pending counter configured")
	}
	return s.counter.PendingCount(id)
}

// Reset zeroes the counters, keeping delay bounds, note and login state.
func (s *WorkerStore) Reset(id types.WorkerID) (WorkerConfig, error) {
	return s.Update(id, Patch{
		QueueSize:    Int(0),
		IsTableExist: Bool(false),
	})
}

// Remove deletes the worker's config directory.
func (s *WorkerStore) Remove(id types.WorkerID) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	if err := os.RemoveAll(s.layout.WorkerConfigDir(id)); err != nil {
		return fmt.Errorf("failed to remove config for %s: %w", id.Name(), err)
	}
	return nil
}

func (s *WorkerStore) read(id types.WorkerID) (WorkerConfig, error) {
	raw, err := s.readRaw(id)
	if err != nil {
		return WorkerConfig{}, err
	}
	return fromRaw(raw)
}

func (s *WorkerStore) readRaw(id types.WorkerID) (map[string]interface{}, error) {
	data, err := os.ReadFile(s.layout.WorkerConfigFile(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id.Name())
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	raw := make(map[string]interface{})
	if len(data) == 0 {
		return raw, nil
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	return raw, nil
}

func toRaw(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	raw := make(map[string]interface{})
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return raw, nil
}

func fromRaw(raw map[string]interface{}) (WorkerConfig, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return WorkerConfig{}, fmt.Errorf("failed to decode config: %w", err)
	}
	var cfg WorkerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return WorkerConfig{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// writeJSONAtomic writes v as indented JSON through a temp file and rename.
func writeJSONAtomic(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tempPath := path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
