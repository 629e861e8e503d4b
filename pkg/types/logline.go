package types

import "time"

// Level is the severity of a log line.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// LogLine is one appended log record. WorkerID is zero for lines written by
// the aggregate (main) logger.
type LogLine struct {
	Time     time.Time
	WorkerID WorkerID
	Level    Level
	Message  string

	// Text is the exact line as written to disk, without the trailing newline.
	Text string
}
