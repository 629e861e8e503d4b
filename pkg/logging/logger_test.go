package logging

import (
	"bytes"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/entrhq/fleet/pkg/config"
	"github.com/entrhq/fleet/pkg/types"
)

var (
	testZone = time.FixedZone("WIB", 7*3600)
	testNow  = time.Date(2024, 5, 10, 3, 0, 0, 0, time.UTC)
)

type capturePublisher struct {
	mu     sync.Mutex
	events []*types.WorkerEvent
}

func (p *capturePublisher) Publish(event *types.WorkerEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

// setupManager creates a manager writing under a temp data dir
func setupManager(t *testing.T, opts ...Option) (*Manager, config.Layout) {
	t.Helper()

	layout := config.NewLayout(t.TempDir())
	base := []Option{
		WithLocation(testZone),
		WithClock(func() time.Time { return testNow }),
	}
	m := NewManager(layout, append(base, opts...)...)
	t.Cleanup(func() { m.Close() })
	return m, layout
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return string(content)
}

func TestFormatLine(t *testing.T) {
	ts := time.Date(2024, 5, 10, 10, 0, 0, 0, testZone)

	got := FormatLine(ts, 3, types.LevelInfo, "Processing Alice")
	want := "[2024-05-10 10:00:00] [worker3] INFO: Processing Alice"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}

	got = FormatLine(ts, 0, types.LevelWarn, "Worker 3 stopped")
	want = "[2024-05-10 10:00:00] [worker-main] WARN: Worker 3 stopped"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		ok      bool
		id      types.WorkerID
		level   types.Level
		message string
	}{
		{"worker line", "[2024-05-10 10:00:00] [worker3] INFO: hello", true, 3, types.LevelInfo, "hello"},
		{"main line", "[2024-05-10 10:00:00] [worker-main] ERROR: Worker 3 error", true, 0, types.LevelError, "Worker 3 error"},
		{"trailing newline", "[2024-05-10 10:00:00] [worker1] DEBUG: x\n", true, 1, types.LevelDebug, "x"},
		{"no brackets", "hello world", false, 0, "", ""},
		{"bad level", "[2024-05-10 10:00:00] [worker3] TRACE: hello", false, 0, "", ""},
		{"bad source", "[2024-05-10 10:00:00] [robot] INFO: hello", false, 0, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, ok := ParseLine(tt.text, testZone)
			if ok != tt.ok {
				t.Fatalf("Expected ok=%v, got %v", tt.ok, ok)
			}
			if !ok {
				return
			}
			if line.WorkerID != tt.id {
				t.Errorf("Expected worker %d, got %d", tt.id, line.WorkerID)
			}
			if line.Level != tt.level {
				t.Errorf("Expected level %s, got %s", tt.level, line.Level)
			}
			if line.Message != tt.message {
				t.Errorf("Expected message %q, got %q", tt.message, line.Message)
			}
			if line.Time.Hour() != 10 {
				t.Errorf("Expected hour 10 in zone, got %d", line.Time.Hour())
			}
		})
	}
}

func TestWorkerLinesMirrorToAggregate(t *testing.T) {
	m, layout := setupManager(t)

	logger := m.Worker(3)
	logger.Printf("Test message %d", 123)
	logger.Debugf("Debug message")
	logger.Infof("Info message")
	logger.Warnf("Warning message")
	logger.Errorf("Error message")

	workerLog := readFile(t, layout.LogFile(3))
	mainLog := readFile(t, layout.AggregateLogFile())

	expectedPatterns := []string{
		"[2024-05-10 10:00:00] [worker3] INFO: Test message 123",
		"[worker3] DEBUG: Debug message",
		"[worker3] INFO: Info message",
		"[worker3] WARN: Warning message",
		"[worker3] ERROR: Error message",
	}

	for _, pattern := range expectedPatterns {
		if !strings.Contains(workerLog, pattern) {
			t.Errorf("Worker log missing expected pattern: %q\nContent:\n%s", pattern, workerLog)
		}
		if !strings.Contains(mainLog, pattern) {
			t.Errorf("Aggregate log missing expected pattern: %q\nContent:\n%s", pattern, mainLog)
		}
	}
}

func TestMainLinesStayInAggregate(t *testing.T) {
	m, layout := setupManager(t)

	m.Main().Infof("Worker 3 running")

	mainLog := readFile(t, layout.AggregateLogFile())
	if !strings.Contains(mainLog, "[worker-main] INFO: Worker 3 running") {
		t.Errorf("Aggregate log missing main line:\n%s", mainLog)
	}
	if _, err := os.Stat(layout.LogFile(3)); !os.IsNotExist(err) {
		t.Errorf("Expected no worker log file, got err=%v", err)
	}
}

func TestConsoleTee(t *testing.T) {
	var console bytes.Buffer
	m, _ := setupManager(t, WithConsole(&console))

	m.Worker(2).Infof("hello")

	if !strings.Contains(console.String(), "[worker2] INFO: hello") {
		t.Errorf("Console missing line: %q", console.String())
	}
}

func TestPublishesLines(t *testing.T) {
	pub := &capturePublisher{}
	m, _ := setupManager(t, WithPublisher(pub))

	m.Worker(4).Warnf("Group not found")

	if len(pub.events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(pub.events))
	}
	event := pub.events[0]
	if event.Type != types.EventTypeLogLine {
		t.Errorf("Expected log line event, got %s", event.Type)
	}
	if event.Line == nil || event.Line.Level != types.LevelWarn || event.Line.WorkerID != 4 {
		t.Errorf("Unexpected line: %+v", event.Line)
	}
	if event.Line.Text != "[2024-05-10 10:00:00] [worker4] WARN: Group not found" {
		t.Errorf("Unexpected text %q", event.Line.Text)
	}
}

func TestOpenPrunesOldLines(t *testing.T) {
	m, layout := setupManager(t)

	if err := os.MkdirAll(layout.LogsDir(), 0750); err != nil {
		t.Fatalf("Failed to create logs dir: %v", err)
	}
	old := "[2024-04-01 10:00:00] [worker-main] INFO: Worker 1 running"
	garbage := "stack trace without timestamp"
	recent := "[2024-05-09 10:00:00] [worker1] INFO: Processing Bob"
	content := old + "\n" + garbage + "\n" + recent + "\n"
	if err := os.WriteFile(layout.AggregateLogFile(), []byte(content), 0600); err != nil {
		t.Fatalf("Failed to seed aggregate log: %v", err)
	}

	if err := m.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	mainLog := readFile(t, layout.AggregateLogFile())
	if strings.Contains(mainLog, old) {
		t.Errorf("Expected old line to be pruned:\n%s", mainLog)
	}
	if !strings.Contains(mainLog, garbage) {
		t.Errorf("Expected unparseable line to be kept:\n%s", mainLog)
	}
	if !strings.Contains(mainLog, recent) {
		t.Errorf("Expected recent line to be kept:\n%s", mainLog)
	}
	if !strings.Contains(mainLog, "Log session "+m.SessionID()+" opened") {
		t.Errorf("Expected session line:\n%s", mainLog)
	}
}

func TestResetRemoveTail(t *testing.T) {
	m, layout := setupManager(t)

	logger := m.Worker(5)
	for i := 0; i < 5; i++ {
		logger.Infof("line %d", i)
	}

	lines, err := m.Tail(5, 2)
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	if len(lines) != 2 || !strings.HasSuffix(lines[1], "line 4") || !strings.HasSuffix(lines[0], "line 3") {
		t.Errorf("Unexpected tail: %v", lines)
	}

	all, err := m.Tail(5, 0)
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("Expected 5 lines, got %d", len(all))
	}

	if err := m.Reset(5); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if got := readFile(t, layout.LogFile(5)); got != "" {
		t.Errorf("Expected empty log after reset, got %q", got)
	}

	// Writes after a reset go to the fresh file.
	logger.Infof("after reset")
	if got := readFile(t, layout.LogFile(5)); !strings.Contains(got, "after reset") {
		t.Errorf("Expected line after reset, got %q", got)
	}

	if err := m.Remove(5); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(layout.LogFile(5)); !os.IsNotExist(err) {
		t.Errorf("Expected log to be removed, got err=%v", err)
	}

	lines, err = m.Tail(5, 10)
	if err != nil || lines != nil {
		t.Errorf("Expected no lines for missing log, got %v, %v", lines, err)
	}
}

func TestWriterSplitsLines(t *testing.T) {
	m, layout := setupManager(t)

	w := m.Worker(1).Writer()
	if _, err := w.Write([]byte("first\n\nsecond\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	workerLog := readFile(t, layout.LogFile(1))
	if strings.Count(workerLog, "\n") != 2 {
		t.Errorf("Expected 2 lines, got:\n%s", workerLog)
	}
}

func TestConcurrentWrites(t *testing.T) {
	m, layout := setupManager(t)

	var wg sync.WaitGroup
	for i := 1; i <= 4; i++ {
		wg.Add(1)
		go func(id types.WorkerID) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				m.Worker(id).Infof("message %d", j)
			}
		}(types.WorkerID(i))
	}
	wg.Wait()

	lines, err := m.Tail(0, 0)
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	if len(lines) != 100 {
		t.Errorf("Expected 100 aggregate lines, got %d", len(lines))
	}
	for _, text := range lines {
		if _, ok := ParseLine(text, testZone); !ok {
			t.Errorf("Interleaved or malformed line: %q", text)
		}
	}

	workerLog := readFile(t, layout.LogFile(2))
	if strings.Count(workerLog, "\n") != 25 {
		t.Errorf("Expected 25 lines for worker 2")
	}
}

func TestManagerClose(t *testing.T) {
	m, _ := setupManager(t)
	m.Worker(1).Infof("hello")

	if err := m.Close(); err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
}
