package queue

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/entrhq/fleet/pkg/types"
	"github.com/google/uuid"
)

// Column names every queue table carries.
const (
	ColumnMember    = "member"
	ColumnPhone     = "phone"
	ColumnGroup     = "group"
	ColumnStatus    = "status"
	ColumnTimestamp = "timestamp"
)

// DefaultColumns is the header of a newly created queue.
var DefaultColumns = []string{ColumnMember, ColumnPhone, ColumnGroup, ColumnStatus, ColumnTimestamp}

// ErrInvalidQueue is returned when a table lacks the member column.
var ErrInvalidQueue = errors.New("invalid queue table")

// keyNamespace scopes row keys so they never collide with other SHA1 uuids.
var keyNamespace = uuid.MustParse("6f1c9f1e-6d3a-4f0e-9a57-3c0de1a2b7d4")

// Row is one queue item.
type Row struct {
	// Key identifies the row across reloads (see package doc)
	Key string

	Member    string
	Phone     string
	Group     string
	Status    types.Status
	Timestamp string

	// Extra holds values of columns the queue does not interpret
	Extra map[string]string

	src *source
}

// Pending reports whether the row still needs processing.
func (r Row) Pending() bool {
	return strings.TrimSpace(string(r.Status)) == "" && strings.TrimSpace(r.Timestamp) == ""
}

// Table is a loaded queue file.
type Table struct {
	// Columns is the header in file order
	Columns []string
	Rows    []Row

	head *headSource
	tail []byte
}

// NewTable returns an empty table with the default header.
func NewTable() *Table {
	cols := make([]string, len(DefaultColumns))
	copy(cols, DefaultColumns)
	return &Table{Columns: cols}
}

// NextPending returns the first pending row, or nil.
func (t *Table) NextPending() *Row {
	for i := range t.Rows {
		if t.Rows[i].Pending() {
			row := t.Rows[i]
			return &row
		}
	}
	return nil
}

// PendingCount counts pending rows.
func (t *Table) PendingCount() int {
	n := 0
	for _, r := range t.Rows {
		if r.Pending() {
			n++
		}
	}
	return n
}

// indexByKey returns the row with the given key, or -1.
func (t *Table) indexByKey(key string) int {
	if key == "" {
		return -1
	}
	for i, r := range t.Rows {
		if r.Key == key {
			return i
		}
	}
	return -1
}

// indexByMember returns the first row with the given member, preferring a
// pending one when pendingOnly is set, or -1.
func (t *Table) indexByMember(member string, pendingOnly bool) int {
	for i, r := range t.Rows {
		if r.Member != member {
			continue
		}
		if pendingOnly && !r.Pending() {
			continue
		}
		return i
	}
	return -1
}

func normalizeColumn(name string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
}

// value returns the row's value for col.
func (r Row) value(col string) string {
	switch normalizeColumn(col) {
	case ColumnMember:
		return r.Member
	case ColumnPhone:
		return r.Phone
	case ColumnGroup:
		return r.Group
	case ColumnStatus:
		return string(r.Status)
	case ColumnTimestamp:
		return r.Timestamp
	default:
		return r.Extra[col]
	}
}

// source is the text a row was decoded from.
type source struct {
	lead   []byte // blank lines and blank records before the record
	record []byte // record text including its line terminator
	fields []string
	base   Row
}

// headSource is the text a header was decoded from.
type headSource struct {
	raw     []byte
	columns []string
}

// unchanged reports whether every column of r still holds its decoded value.
func (r Row) unchanged(cols []string) bool {
	if r.src == nil {
		return false
	}
	for _, col := range cols {
		if r.value(col) != r.src.base.value(col) {
			return false
		}
	}
	return true
}

// fromRecords builds a table from a header record followed by data records.
// segments, when present, holds the raw text of each record.
func fromRecords(records [][]string, segments [][]byte) (*Table, error) {
	if len(records) == 0 {
		return NewTable(), nil
	}

	header := records[0]
	t := &Table{Columns: make([]string, 0, len(header))}
	hasMember := false
	for _, h := range header {
		name := strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if normalizeColumn(name) == ColumnMember {
			hasMember = true
		}
		t.Columns = append(t.Columns, name)
	}
	if !hasMember {
		return nil, fmt.Errorf("%w: header has no %q column", ErrInvalidQueue, ColumnMember)
	}
	if segments != nil {
		t.head = &headSource{raw: segments[0], columns: append([]string(nil), t.Columns...)}
	}

	var gap []byte
	occurrences := make(map[string]int)
	for n, rec := range records[1:] {
		if blank(rec) {
			if segments != nil {
				gap = append(gap, segments[n+1]...)
			}
			continue
		}
		row := Row{Extra: make(map[string]string)}
		for i, col := range t.Columns {
			value := ""
			if i < len(rec) {
				value = strings.TrimSpace(rec[i])
			}
			switch normalizeColumn(col) {
			case ColumnMember:
				row.Member = value
			case ColumnPhone:
				row.Phone = value
			case ColumnGroup:
				row.Group = value
			case ColumnStatus:
				row.Status = types.Status(value)
			case ColumnTimestamp:
				row.Timestamp = value
			default:
				row.Extra[col] = value
			}
		}

		identity := row.Member + "\x1f" + row.Phone + "\x1f" + row.Group
		row.Key = uuid.NewSHA1(keyNamespace, []byte(fmt.Sprintf("%s\x1f%d", identity, occurrences[identity]))).String()
		occurrences[identity]++

		if segments != nil {
			seg := segments[n+1]
			lead := len(seg) - len(bytes.TrimLeft(seg, "\r\n"))
			base := row
			base.Extra = maps.Clone(row.Extra)
			row.src = &source{
				lead:   append(gap, seg[:lead]...),
				record: seg[lead:],
				fields: rec,
				base:   base,
			}
			gap = nil
		}

		t.Rows = append(t.Rows, row)
	}
	t.tail = gap
	return t, nil
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// decode reads a CSV table, keeping the raw text of every record.
func decode(r io.Reader) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var (
		records  [][]string
		segments [][]byte
		start    int64
	)
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse queue: %w", err)
		}
		end := reader.InputOffset()
		records = append(records, rec)
		segments = append(segments, data[start:end])
		start = end
	}

	t, err := fromRecords(records, segments)
	if err != nil {
		return nil, err
	}
	if t.head != nil {
		t.tail = append(t.tail, data[start:]...)
	}
	return t, nil
}

// header returns the columns to write: the table's own, plus any missing
// required column.
func (t *Table) header() []string {
	cols := make([]string, len(t.Columns))
	copy(cols, t.Columns)

	present := make(map[string]bool, len(cols))
	for _, c := range cols {
		present[normalizeColumn(c)] = true
	}
	for _, c := range DefaultColumns {
		if !present[c] {
			cols = append(cols, c)
		}
	}
	return cols
}

// encode writes the table as CSV. Records whose values did not change
// since decode are written back with their original text.
func (t *Table) encode(w io.Writer) error {
	cols := t.header()
	keep := t.head != nil && slices.Equal(cols, t.head.columns)
	crlf := t.head != nil && bytes.HasSuffix(t.head.raw, []byte("\r\n"))

	var original map[string]int
	if t.head != nil {
		original = make(map[string]int, len(t.head.columns))
		for i, c := range t.head.columns {
			original[c] = i
		}
	}

	var buf bytes.Buffer
	if keep {
		buf.Write(t.head.raw)
	} else if err := writeRecord(&buf, cols, crlf, true); err != nil {
		return fmt.Errorf("failed to write queue header: %w", err)
	}

	for _, row := range t.Rows {
		if row.src != nil {
			buf.Write(row.src.lead)
		}
		if keep && row.unchanged(cols) {
			buf.Write(row.src.record)
			continue
		}
		if b := buf.Bytes(); len(b) > 0 && b[len(b)-1] != '\n' {
			if crlf {
				buf.WriteString("\r\n")
			} else {
				buf.WriteByte('\n')
			}
		}

		rowCRLF, terminated := crlf, true
		if row.src != nil {
			rowCRLF = bytes.HasSuffix(row.src.record, []byte("\r\n"))
			terminated = bytes.HasSuffix(row.src.record, []byte("\n"))
		}
		if err := writeRecord(&buf, row.record(cols, original), rowCRLF, terminated); err != nil {
			return fmt.Errorf("failed to write queue row: %w", err)
		}
	}
	buf.Write(t.tail)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write queue: %w", err)
	}
	return nil
}

// record lays out the row's fields for cols. Values that did not change keep
// their decoded text.
func (r Row) record(cols []string, original map[string]int) []string {
	rec := make([]string, len(cols))
	for i, col := range cols {
		rec[i] = r.value(col)
		if r.src == nil || rec[i] != r.src.base.value(col) {
			continue
		}
		if j, ok := original[col]; ok && j < len(r.src.fields) {
			rec[i] = r.src.fields[j]
		}
	}
	return rec
}

func writeRecord(buf *bytes.Buffer, rec []string, crlf, terminated bool) error {
	writer := csv.NewWriter(buf)
	writer.UseCRLF = crlf
	if err := writer.Write(rec); err != nil {
		return err
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	if !terminated {
		buf.Truncate(len(bytes.TrimRight(buf.Bytes(), "\r\n")))
	}
	return nil
}
