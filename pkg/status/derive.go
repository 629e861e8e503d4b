// Package status derives worker status from the aggregate log and fans
// worker events out to in-process subscribers.
package status

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/entrhq/fleet/pkg/logging"
	"github.com/entrhq/fleet/pkg/types"
)

// Idle is reported when the log never mentions the worker.
const Idle = string(types.StateIdle)

var markerPattern = regexp.MustCompile(`\bWorker (\d+)\b`)

// mark is one "Worker <ID> <word>" occurrence.
type mark struct {
	id   types.WorkerID
	word string
}

// scan returns every marker in text, in order. A marker with no following
// word is skipped.
func scan(text string) []mark {
	var marks []mark
	for _, loc := range markerPattern.FindAllStringSubmatchIndex(text, -1) {
		id, err := types.ParseWorkerID(text[loc[2]:loc[3]])
		if err != nil {
			continue
		}
		if word := nextWord(text[loc[1]:]); word != "" {
			marks = append(marks, mark{id: id, word: word})
		}
	}
	return marks
}

// lineMarks returns the markers of one aggregate log line. Lines mirrored
// from a worker stream carry free text such as group names and never set a
// status.
func lineMarks(text string) []mark {
	if line, ok := logging.ParseLine(text, time.UTC); ok {
		if line.WorkerID != 0 {
			return nil
		}
		return scan(line.Message)
	}
	return scan(text)
}

// nextWord returns the first whitespace token of s that is not only
// punctuation, with surrounding punctuation removed.
func nextWord(s string) string {
	for _, field := range strings.Fields(s) {
		word := strings.TrimFunc(field, func(r rune) bool {
			return unicode.IsPunct(r) && r != '-'
		})
		word = strings.Trim(word, "-")
		if word != "" {
			return strings.ToLower(word)
		}
	}
	return ""
}

// Line returns the status word a single line sets for id.
func Line(text string, id types.WorkerID) (string, bool) {
	word := ""
	for _, m := range lineMarks(text) {
		if m.id == id {
			word = m.word
		}
	}
	return word, word != ""
}

// Derive returns the word following the last "Worker <ID>" marker in r, or
// Idle when there is none.
func Derive(r io.Reader, id types.WorkerID) string {
	status := Idle
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if word, ok := Line(scanner.Text(), id); ok {
			status = word
		}
	}
	return status
}

// DeriveFile derives from the log at path. A missing or unreadable file
// yields Idle.
func DeriveFile(path string, id types.WorkerID) string {
	f, err := os.Open(path)
	if err != nil {
		return Idle
	}
	defer f.Close()
	return Derive(f, id)
}

// DeriveAll returns the last status word of every worker mentioned in r.
func DeriveAll(r io.Reader) map[types.WorkerID]string {
	statuses := make(map[types.WorkerID]string)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		for _, m := range lineMarks(scanner.Text()) {
			statuses[m.id] = m.word
		}
	}
	return statuses
}
