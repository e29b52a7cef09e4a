// Package diagnostics turns heap errors into a report that can be printed
// when a collector gives up, with the state of the heap at that moment.
package diagnostics

import (
	"fmt"
	"io"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/inhies/go-bytesize"

	"github.com/tinygo-org/gcheap/heap"
	"github.com/tinygo-org/gcheap/oom"
)

// A single diagnostic.
type Diagnostic struct {
	// Kind is set for out-of-memory conditions.
	Kind      oom.Kind
	Requested uintptr
	Msg       string
}

// OOM reports whether the diagnostic is an out-of-memory condition.
func (diag Diagnostic) OOM() bool {
	return diag.Kind != 0
}

// Report holds the diagnostics of one failure together with the heap
// statistics gathered when it happened.
type Report struct {
	Diagnostics []Diagnostic
	Stats       *heap.MemStats // may be nil
}

// CreateReport reads the errors in err and returns a sorted report.
// Out-of-memory conditions come first.
func CreateReport(err error, stats *heap.MemStats) Report {
	if err == nil {
		return Report{Stats: stats}
	}
	report := Report{
		Diagnostics: createDiagnostics(err),
		Stats:       stats,
	}
	sort.SliceStable(report.Diagnostics, func(i, j int) bool {
		di, dj := report.Diagnostics[i], report.Diagnostics[j]
		if di.OOM() != dj.OOM() {
			return di.OOM()
		}
		return di.Kind < dj.Kind
	})
	return report
}

// Extract diagnostics from the given error and return them as a slice (which
// in most cases will just be a single diagnostic).
func createDiagnostics(err error) []Diagnostic {
	if joined := findJoined(err); joined != nil {
		var diags []Diagnostic
		for _, err := range joined.Unwrap() {
			diags = append(diags, createDiagnostics(err)...)
		}
		return diags
	}
	var oomErr *oom.Error
	if errors.As(err, &oomErr) {
		return []Diagnostic{{
			Kind:      oomErr.Kind,
			Requested: oomErr.Requested,
			Msg:       err.Error(),
		}}
	}
	return []Diagnostic{{Msg: err.Error()}}
}

// findJoined returns the first joined error in the chain of err. Joins made
// with errors.Join are wrapped in a stack trace, and callers may add context
// of their own, so the chain is walked one error at a time. An out-of-memory
// error ends the walk: whatever it wraps belongs to that one diagnostic.
func findJoined(err error) interface{ Unwrap() []error } {
	for ; err != nil; err = errors.UnwrapOnce(err) {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			return joined
		}
		if _, ok := err.(*oom.Error); ok {
			return nil
		}
	}
	return nil
}

// OOM returns the first out-of-memory diagnostic, if any.
func (r Report) OOM() (Diagnostic, bool) {
	for _, diag := range r.Diagnostics {
		if diag.OOM() {
			return diag, true
		}
	}
	return Diagnostic{}, false
}

// WriteTo writes the report in a human readable form.
func (r Report) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	for _, diag := range r.Diagnostics {
		diag.writeTo(cw)
	}
	if r.Stats != nil {
		writeStats(cw, r.Stats)
	}
	return cw.n, cw.err
}

func (diag Diagnostic) writeTo(w io.Writer) {
	if !diag.OOM() {
		fmt.Fprintln(w, "error:", diag.Msg)
		return
	}
	fmt.Fprintf(w, "out of memory (%s): %s\n", diag.Kind, diag.Msg)
	if diag.Requested != 0 {
		fmt.Fprintf(w, "  requested:    %s\n", bytesize.ByteSize(diag.Requested))
	}
}

func writeStats(w io.Writer, m *heap.MemStats) {
	fmt.Fprintln(w, "heap:")
	fmt.Fprintf(w, "  segments:     %d\n", m.NumSegments)
	fmt.Fprintf(w, "  size:         %s\n", bytesize.ByteSize(m.HeapSys))
	if m.MaxHeapSize != 0 {
		fmt.Fprintf(w, "  max size:     %s\n", bytesize.ByteSize(m.MaxHeapSize))
	}
	fmt.Fprintf(w, "  allocated:    %s\n", bytesize.ByteSize(m.HeapAlloc))
	fmt.Fprintf(w, "  free:         %s\n", bytesize.ByteSize(m.HeapIdle))
	fmt.Fprintf(w, "  external:     %s\n", bytesize.ByteSize(m.External))
	fmt.Fprintf(w, "  allocations:  %d (%s total)\n", m.Mallocs, bytesize.ByteSize(m.TotalAlloc))
	fmt.Fprintf(w, "  storage:      %d live, %d created, %d failed, %d deleted\n",
		m.Provider.Live(), m.Provider.Succeeded, m.Provider.Failed, m.Provider.Deleted)
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	if cw.err != nil {
		return 0, cw.err
	}
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	cw.err = err
	return n, err
}
