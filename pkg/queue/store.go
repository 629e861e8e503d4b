package queue

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/fleet/pkg/config"
	"github.com/entrhq/fleet/pkg/types"
	"github.com/xuri/excelize/v2"
)

// TimestampLayout is how processed rows are stamped.
const TimestampLayout = "2006-01-02 15:04:05"

// ErrRowNotFound is returned when an update names a row that is no longer
// in the queue. Callers treat it as a warning.
var ErrRowNotFound = errors.New("queue row not found")

// Store reads and writes per-worker queue files.
type Store struct {
	layout    config.Layout
	loc       *time.Location
	now       func() time.Time
	publisher types.Publisher

	mu    sync.Mutex
	locks map[types.WorkerID]*sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLocation sets the timezone used for row timestamps.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithPublisher sets where row updates are announced.
func WithPublisher(publisher types.Publisher) Option {
	return func(s *Store) {
		s.publisher = publisher
	}
}

// NewStore creates a store rooted at layout.
func NewStore(layout config.Layout, opts ...Option) *Store {
	s := &Store{
		layout: layout,
		loc:    time.Local,
		now:    time.Now,
		locks:  make(map[types.WorkerID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) lock(id types.WorkerID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Exists reports whether the worker has a queue file.
func (s *Store) Exists(id types.WorkerID) bool {
	_, err := os.Stat(s.layout.QueueFile(id))
	return err == nil
}

// Load reads the worker's queue, creating a header-only file when absent.
func (s *Store) Load(id types.WorkerID) (*Table, error) {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	return s.load(id)
}

// Save replaces the worker's queue with t.
func (s *Store) Save(id types.WorkerID, t *Table) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	return s.save(id, t)
}

// NextPending returns the first pending row in file order, or nil when the
// queue is exhausted.
func (s *Store) NextPending(id types.WorkerID) (*Row, error) {
	t, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	return t.NextPending(), nil
}

// PendingCount counts pending rows.
func (s *Store) PendingCount(id types.WorkerID) (int, error) {
	t, err := s.Load(id)
	if err != nil {
		return 0, err
	}
	return t.PendingCount(), nil
}

// UpdateByMember stamps the first row whose member matches.
func (s *Store) UpdateByMember(id types.WorkerID, member string, status types.Status) error {
	return s.apply(id, member, status, func(t *Table) int {
		return t.indexByMember(member, false)
	})
}

// Update stamps the row previously returned by NextPending. It matches on
// the row key and falls back to the first pending row with the same member
// when the file was edited in between.
func (s *Store) Update(id types.WorkerID, row Row, status types.Status) error {
	return s.apply(id, row.Member, status, func(t *Table) int {
		if i := t.indexByKey(row.Key); i >= 0 {
			return i
		}
		return t.indexByMember(row.Member, true)
	})
}

func (s *Store) apply(id types.WorkerID, member string, status types.Status, find func(*Table) int) error {
	l := s.lock(id)
	l.Lock()

	t, err := s.load(id)
	if err != nil {
		l.Unlock()
		return err
	}
	i := find(t)
	if i < 0 {
		l.Unlock()
		return fmt.Errorf("%w: %q in %s", ErrRowNotFound, member, id.Name())
	}

	t.Rows[i].Status = status
	t.Rows[i].Timestamp = s.now().In(s.loc).Format(TimestampLayout)
	if err := s.save(id, t); err != nil {
		l.Unlock()
		return err
	}
	pending := t.PendingCount()
	l.Unlock()

	if s.publisher != nil {
		s.publisher.Publish(types.NewQueueUpdatedEvent(id, member, status, pending))
	}
	return nil
}

// Import replaces the worker's queue with an uploaded table. Files named
// *.xlsx are read from their first sheet; anything else is parsed as CSV.
// It returns the number of pending rows in the new queue.
func (s *Store) Import(id types.WorkerID, r io.Reader, filename string) (int, error) {
	var (
		t   *Table
		err error
	)
	if strings.EqualFold(filepath.Ext(filename), ".xlsx") {
		t, err = decodeXLSX(r)
	} else {
		t, err = decode(r)
	}
	if err != nil {
		return 0, err
	}

	if err := s.Save(id, t); err != nil {
		return 0, err
	}
	pending := t.PendingCount()

	if s.publisher != nil {
		s.publisher.Publish(types.NewQueueUpdatedEvent(id, "", "", pending))
	}
	return pending, nil
}

// Reset replaces the queue with a header-only table.
func (s *Store) Reset(id types.WorkerID) error {
	return s.Save(id, NewTable())
}

// Remove deletes the worker's queue file.
func (s *Store) Remove(id types.WorkerID) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.layout.QueueFile(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove queue for %s: %w", id.Name(), err)
	}
	return nil
}

func (s *Store) load(id types.WorkerID) (*Table, error) {
	path := s.layout.QueueFile(id)
	file, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to open queue: %w", err)
		}
		t := NewTable()
		if err := s.save(id, t); err != nil {
			return nil, err
		}
		return t, nil
	}
	defer file.Close()

	t, err := decode(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// save writes the table through a temp file and rename.
func (s *Store) save(id types.WorkerID, t *Table) error {
	path := s.layout.QueueFile(id)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}

	tempPath := path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp queue file: %w", err)
	}

	if err := t.encode(file); err != nil {
		file.Close()
		os.Remove(tempPath)
		return err
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

func decodeXLSX(r io.Reader) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrInvalidQueue)
	}

	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: sheet %q is empty", ErrInvalidQueue, sheets[0])
	}
	return fromRecords(records, nil)
}
