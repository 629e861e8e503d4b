package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// output formats command results as a table or JSON.
type output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

func newOutput(jsonMode bool, w, errW io.Writer) *output {
	return &output{
		jsonMode: jsonMode,
		w:        w,
		errW:     errW,
	}
}

// Print writes rows under headers, or jsonData in JSON mode.
func (o *output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.Table(headers, rows)
}

func (o *output) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	tw.Flush()
}

func (o *output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Success reports a completed action on stderr.
func (o *output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}
