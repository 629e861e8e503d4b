package logging

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/fleet/pkg/config"
	"github.com/entrhq/fleet/pkg/types"
	"github.com/google/uuid"
)

// DefaultRetention is how long aggregate lines survive a fresh Open.
const DefaultRetention = 7 * 24 * time.Hour

// Manager owns the per-worker log files and the aggregate log.
//
// Every line written for a worker goes to logs/worker<ID>.log and is
// mirrored into logs/worker-main.log. Lines written through Main go to the
// aggregate only. All log methods write unconditionally; there is no level
// filtering.
type Manager struct {
	layout    config.Layout
	loc       *time.Location
	now       func() time.Time
	console   io.Writer
	publisher types.Publisher
	retention time.Duration
	sessionID string

	mu        sync.Mutex
	files     map[types.WorkerID]*os.File
	fallback  *log.Logger
	closeOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocation sets the timezone used to render timestamps.
func WithLocation(loc *time.Location) Option {
	return func(m *Manager) {
		if loc != nil {
			m.loc = loc
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithConsole tees every line to w.
func WithConsole(w io.Writer) Option {
	return func(m *Manager) {
		m.console = w
	}
}

// WithPublisher sends every written line to p.
func WithPublisher(p types.Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		m.retention = d
	}
}

// NewManager creates a log manager rooted at layout.
func NewManager(layout config.Layout, opts ...Option) *Manager {
	m := &Manager{
		layout:    layout,
		loc:       time.Local,
		now:       time.Now,
		retention: DefaultRetention,
		sessionID: uuid.New().String(),
		files:     make(map[types.WorkerID]*os.File),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open starts a log session. It creates the log directory and prunes
// aggregate lines older than the retention window. Lines whose timestamp
// cannot be parsed are kept.
func (m *Manager) Open() error {
	if err := os.MkdirAll(m.layout.LogsDir(), 0750); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	m.mu.Lock()
	err := m.prune()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.Main().Infof("Log session %s opened", m.sessionID)
	return nil
}

// SessionID identifies this manager's log session.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// Worker returns the logger for one worker.
func (m *Manager) Worker(id types.WorkerID) *Logger {
	return &Logger{manager: m, id: id}
}

// Main returns the aggregate logger.
func (m *Manager) Main() *Logger {
	return &Logger{manager: m}
}

// Path returns the file a worker logs to; zero selects the aggregate.
func (m *Manager) Path(id types.WorkerID) string {
	if id == 0 {
		return m.layout.AggregateLogFile()
	}
	return m.layout.LogFile(id)
}

// Reset truncates a worker's log file.
func (m *Manager) Reset(id types.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeFile(id)
	if err := os.MkdirAll(m.layout.LogsDir(), 0750); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := os.WriteFile(m.Path(id), nil, 0600); err != nil {
		return fmt.Errorf("failed to reset log for %s: %w", source(id), err)
	}
	return nil
}

// Remove deletes a worker's log file.
func (m *Manager) Remove(id types.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeFile(id)
	if err := os.Remove(m.Path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove log for %s: %w", source(id), err)
	}
	return nil
}

// Tail returns the last n lines of a worker's log, or all lines when n <= 0.
// A missing file yields no lines.
func (m *Manager) Tail(id types.WorkerID, n int) ([]string, error) {
	lines, err := readLines(m.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read log for %s: %w", source(id), err)
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Close closes every open log file. Safe to call multiple times.
func (m *Manager) Close() error {
	var errs []error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for id, f := range m.files {
			if err := f.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(m.files, id)
		}
	})
	return errors.Join(errs...)
}

func (m *Manager) closeFile(id types.WorkerID) {
	if f, ok := m.files[id]; ok {
		f.Close()
		delete(m.files, id)
	}
}

// file returns the open append handle for id, opening it on first use.
// Must be called with mu held.
func (m *Manager) file(id types.WorkerID) (*os.File, error) {
	if f, ok := m.files[id]; ok {
		return f, nil
	}
	if err := os.MkdirAll(m.layout.LogsDir(), 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(m.Path(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	m.files[id] = f
	return f, nil
}

func (m *Manager) write(id types.WorkerID, level types.Level, message string) {
	now := m.now().In(m.loc)
	text := FormatLine(now, id, level, message)

	m.mu.Lock()
	ok := true
	targets := []types.WorkerID{0}
	if id != 0 {
		targets = []types.WorkerID{id, 0}
	}
	for _, target := range targets {
		f, err := m.file(target)
		if err == nil {
			_, err = f.WriteString(text + "\n")
		}
		if err != nil {
			ok = false
			m.fallbackLogger().Printf("%s (log write failed: %v)", text, err)
		}
	}
	if m.console != nil {
		fmt.Fprintln(m.console, text)
	}
	m.mu.Unlock()

	if ok && m.publisher != nil {
		m.publisher.Publish(types.NewLogLineEvent(types.LogLine{
			Time:     now,
			WorkerID: id,
			Level:    level,
			Message:  message,
			Text:     text,
		}))
	}
}

// fallbackLogger writes to stderr when file logging fails. Must be called
// with mu held.
func (m *Manager) fallbackLogger() *log.Logger {
	if m.fallback == nil {
		m.fallback = log.New(os.Stderr, "", 0)
	}
	return m.fallback
}

// prune rewrites the aggregate log without lines older than the retention
// window. Must be called with mu held.
func (m *Manager) prune() error {
	path := m.layout.AggregateLogFile()
	lines, err := readLines(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read aggregate log: %w", err)
	}

	cutoff := m.now().Add(-m.retention)
	kept := make([]string, 0, len(lines))
	for _, text := range lines {
		if line, ok := ParseLine(text, m.loc); ok && line.Time.Before(cutoff) {
			continue
		}
		kept = append(kept, text)
	}
	if len(kept) == len(lines) {
		return nil
	}

	m.closeFile(0)
	var b strings.Builder
	for _, text := range kept {
		b.WriteString(text)
		b.WriteByte('\n')
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("failed to write pruned aggregate log: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace aggregate log: %w", err)
	}
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// Logger writes lines for one worker, or for the aggregate when its id is zero.
type Logger struct {
	manager *Manager
	id      types.WorkerID
}

// ID returns the worker this logger writes for.
func (l *Logger) ID() types.WorkerID {
	return l.id
}

// Printf logs a formatted message at INFO.
func (l *Logger) Printf(format string, v ...interface{}) {
	l.manager.write(l.id, types.LevelInfo, fmt.Sprintf(format, v...))
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.manager.write(l.id, types.LevelDebug, fmt.Sprintf(format, v...))
}

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) {
	l.manager.write(l.id, types.LevelInfo, fmt.Sprintf(format, v...))
}

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.manager.write(l.id, types.LevelWarn, fmt.Sprintf(format, v...))
}

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.manager.write(l.id, types.LevelError, fmt.Sprintf(format, v...))
}

// Writer returns an io.Writer that logs each written line at INFO.
func (l *Logger) Writer() io.Writer {
	return lineWriter{l}
}

type lineWriter struct {
	l *Logger
}

func (w lineWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if strings.TrimSpace(line) != "" {
			w.l.Infof("%s", line)
		}
	}
	return len(p), nil
}
