// Package flags accumulates non-fatal problems and notes across a
// multi-step operation so the caller receives one aggregate report.
package flags

import (
	"fmt"
	"strings"
	"sync"
)

// Flags is safe for concurrent use.
type Flags struct {
	mu            sync.Mutex
	Warnings      []string `json:"warnings,omitempty"`
	MajorWarnings []string `json:"major_warnings,omitempty"`
	Notes         []string `json:"notes,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

func New() *Flags { return &Flags{} }

func (f *Flags) Warn(format string, args ...any) {
	f.add(&f.Warnings, fmt.Sprintf(format, args...))
}

func (f *Flags) MajorWarn(format string, args ...any) {
	f.add(&f.MajorWarnings, fmt.Sprintf(format, args...))
}

func (f *Flags) Note(format string, args ...any) {
	f.add(&f.Notes, fmt.Sprintf(format, args...))
}

// Error records a per-item failure; subject names the item.
func (f *Flags) Error(subject string, err error) {
	f.add(&f.Errors, fmt.Sprintf("%s: %v", subject, err))
}

func (f *Flags) add(list *[]string, msg string) {
	f.mu.Lock()
	*list = append(*list, msg)
	f.mu.Unlock()
}

// Merge appends every entry of other.
func (f *Flags) Merge(other *Flags) {
	if other == nil || other == f {
		return
	}
	other.mu.Lock()
	w, m, n, e := clone(other.Warnings), clone(other.MajorWarnings), clone(other.Notes), clone(other.Errors)
	other.mu.Unlock()

	f.mu.Lock()
	f.Warnings = append(f.Warnings, w...)
	f.MajorWarnings = append(f.MajorWarnings, m...)
	f.Notes = append(f.Notes, n...)
	f.Errors = append(f.Errors, e...)
	f.mu.Unlock()
}

func clone(s []string) []string {
	return append([]string(nil), s...)
}

func (f *Flags) HasErrors() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Errors) > 0
}

func (f *Flags) IsEmpty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Warnings)+len(f.MajorWarnings)+len(f.Notes)+len(f.Errors) == 0
}

// Summary renders the flags as one sentence per category, most severe
// first, e.g. "1 error: r1: gone. 2 warnings: a; b."
func (f *Flags) Summary() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var parts []string
	for _, c := range []struct {
		noun  string
		items []string
	}{
		{"error", f.Errors},
		{"major warning", f.MajorWarnings},
		{"warning", f.Warnings},
		{"note", f.Notes},
	} {
		if len(c.items) == 0 {
			continue
		}
		noun := c.noun
		if len(c.items) > 1 {
			noun += "s"
		}
		parts = append(parts, fmt.Sprintf("%d %s: %s.", len(c.items), noun, strings.Join(c.items, "; ")))
	}
	return strings.Join(parts, " ")
}
