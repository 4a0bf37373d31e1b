// Package diagnostics formats fatal collector errors and prints them in a
// consistent way.
package diagnostics

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// A single diagnostic.
type Diagnostic struct {
	// Phase is the collector phase that found the problem, like "verify" or
	// "mark". It may be empty.
	Phase string

	// Addr is the heap address the problem is about, or 0 if it isn't about
	// a particular object.
	Addr uint64

	Msg string
}

// Diagnoser is implemented by errors that carry one or more diagnostics, such
// as heap consistency errors.
type Diagnoser interface {
	Diagnostics() []Diagnostic
}

// Report holds the diagnostics of a single fatal error, sorted by address.
type Report struct {
	Title       string
	Diagnostics []Diagnostic
}

// CreateReport reads the underlying errors in err and creates a report that's
// sorted and can be readily printed.
func CreateReport(err error) Report {
	if err == nil {
		return Report{}
	}
	report := Report{
		Title:       "fatal error: " + firstLine(err.Error()),
		Diagnostics: createDiagnostics(err),
	}

	// Sort these diagnostics by address, keeping the order of diagnostics
	// that aren't about an address.
	sort.SliceStable(report.Diagnostics, func(i, j int) bool {
		return report.Diagnostics[i].Addr < report.Diagnostics[j].Addr
	})
	return report
}

// Extract diagnostics from the given error and return them as a slice (which
// in many cases will just be a single diagnostic).
func createDiagnostics(err error) []Diagnostic {
	var d Diagnoser
	if errors.As(err, &d) {
		return d.Diagnostics()
	}
	switch err := err.(type) {
	case interface{ Unwrap() []error }:
		var diags []Diagnostic
		for _, err := range err.Unwrap() {
			diags = append(diags, createDiagnostics(err)...)
		}
		return diags
	default:
		return []Diagnostic{
			{Msg: err.Error()},
		}
	}
}

func firstLine(s string) string {
	if i := bytes.IndexByte([]byte(s), '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Write the report to the given writer. If color is set, the title and the
// addresses are highlighted with ANSI escapes.
func (r Report) WriteTo(w io.Writer, color bool) {
	if r.Title != "" {
		if color {
			fmt.Fprintf(w, "\x1b[1;31m%s\x1b[0m\n", r.Title)
		} else {
			fmt.Fprintln(w, r.Title)
		}
	}
	for _, diag := range r.Diagnostics {
		diag.WriteTo(w, color)
	}
}

// Write this diagnostic to the given writer.
func (diag Diagnostic) WriteTo(w io.Writer, color bool) {
	prefix := ""
	if diag.Phase != "" {
		prefix = diag.Phase + ": "
	}
	if diag.Addr == 0 {
		fmt.Fprintf(w, "\t%s%s\n", prefix, diag.Msg)
		return
	}
	if color {
		fmt.Fprintf(w, "\t%s\x1b[33m%#x\x1b[0m: %s\n", prefix, diag.Addr, diag.Msg)
	} else {
		fmt.Fprintf(w, "\t%s%#x: %s\n", prefix, diag.Addr, diag.Msg)
	}
}

// Print writes the report for err to standard error, using colors when it is
// a terminal.
func Print(err error) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	CreateReport(err).WriteTo(colorable.NewColorableStderr(), color)
}

// Fatal prints err and terminates the process with exit status 2.
func Fatal(err error) {
	Print(err)
	os.Exit(2)
}
