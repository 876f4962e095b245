// Package warn maintains the per-subject warnings documents the UI polls.
package warn

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prism-pipeline/pandora/pkg/config"
)

// Capacity is the maximum number of retained warnings per subject. Older
// entries fall off the end.
const Capacity = 100

const section = "warnings"

// Warning is one entry: text, unix timestamp, severity 0-3.
type Warning struct {
	Text     string
	Time     time.Time
	Severity int
}

// Store reads and mutates one warnings document.
type Store struct {
	Path string
}

// Add prepends a warning, deduplicated by text: a repeat of an existing
// text replaces the old entry and moves to the front with a fresh timestamp.
func (s Store) Add(text string, severity int) error {
	warnings, err := s.List()
	if err != nil {
		warnings = nil
	}
	kept := warnings[:0]
	for _, w := range warnings {
		if w.Text != text {
			kept = append(kept, w)
		}
	}
	entry := Warning{Text: text, Time: time.Now(), Severity: severity}
	warnings = append([]Warning{entry}, kept...)
	if len(warnings) > Capacity {
		warnings = warnings[:Capacity]
	}
	return s.write(warnings)
}

// Delete removes the warning with the given text, if present.
func (s Store) Delete(text string) error {
	warnings, err := s.List()
	if err != nil {
		return err
	}
	kept := warnings[:0]
	for _, w := range warnings {
		if w.Text != text {
			kept = append(kept, w)
		}
	}
	return s.write(kept)
}

// Clear empties the document.
func (s Store) Clear() error {
	return s.write(nil)
}

// List returns the warnings newest first.
func (s Store) List() ([]Warning, error) {
	doc, err := config.Read(s.Path)
	if err != nil {
		return nil, err
	}
	sec := doc[section]
	type numbered struct {
		n int
		w Warning
	}
	var entries []numbered
	for key, val := range sec {
		n, ok := warningIndex(key)
		if !ok {
			continue
		}
		w, ok := decode(val)
		if !ok {
			continue
		}
		entries = append(entries, numbered{n, w})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].n < entries[j].n })
	warnings := make([]Warning, 0, len(entries))
	for _, e := range entries {
		warnings = append(warnings, e.w)
	}
	return warnings, nil
}

// write replaces the whole section in a single verified write; keys are
// warning0..warningN newest first.
func (s Store) write(warnings []Warning) error {
	entries := make([]config.Entry, 0, len(warnings))
	for i, w := range warnings {
		entries = append(entries, config.Entry{
			Section: section,
			Key:     fmt.Sprintf("warning%d", i),
			Value:   []interface{}{w.Text, float64(w.Time.Unix()), float64(w.Severity)},
		})
	}
	return config.ReplaceSection(s.Path, section, entries)
}

func warningIndex(key string) (int, bool) {
	if !strings.HasPrefix(key, "warning") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(key, "warning"))
	if err != nil {
		return 0, false
	}
	return n, true
}

func decode(val interface{}) (Warning, bool) {
	arr, ok := val.([]interface{})
	if !ok || len(arr) != 3 {
		return Warning{}, false
	}
	text, ok := arr[0].(string)
	if !ok {
		return Warning{}, false
	}
	ts, ok := arr[1].(float64)
	if !ok {
		return Warning{}, false
	}
	sev, ok := arr[2].(float64)
	if !ok {
		return Warning{}, false
	}
	return Warning{Text: text, Time: time.Unix(int64(ts), 0), Severity: int(sev)}, true
}
