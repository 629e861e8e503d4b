package logging

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/entrhq/fleet/pkg/types"
)

// TimeLayout is the timestamp format embedded in every line.
const TimeLayout = "2006-01-02 15:04:05"

// MainSource is the source tag of lines written by the aggregate logger.
const MainSource = "worker-main"

var linePattern = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})\] \[([^\]]+)\] (DEBUG|INFO|WARN|ERROR): (.*)$`)

// source returns the bracketed tag for a worker, or the main tag for zero.
func source(id types.WorkerID) string {
	if id == 0 {
		return MainSource
	}
	return id.Name()
}

// FormatLine renders one log line without the trailing newline.
func FormatLine(t time.Time, id types.WorkerID, level types.Level, message string) string {
	return fmt.Sprintf("[%s] [%s] %s: %s", t.Format(TimeLayout), source(id), level, message)
}

// ParseLine parses a line written by FormatLine. The timestamp is read in loc.
func ParseLine(text string, loc *time.Location) (types.LogLine, bool) {
	m := linePattern.FindStringSubmatch(strings.TrimRight(text, "\r\n"))
	if m == nil {
		return types.LogLine{}, false
	}

	ts, err := time.ParseInLocation(TimeLayout, m[1], loc)
	if err != nil {
		return types.LogLine{}, false
	}

	var id types.WorkerID
	if m[2] != MainSource {
		parsed, err := types.ParseWorkerID(m[2])
		if err != nil {
			return types.LogLine{}, false
		}
		id = parsed
	}

	return types.LogLine{
		Time:     ts,
		WorkerID: id,
		Level:    types.Level(m[3]),
		Message:  m[4],
		Text:     m[0],
	}, true
}
