// Package config implements the shared JSON config-document store.
//
// Documents are nested section -> key -> value maps written by exactly one
// logical owner per file (coordinator, one slave, one workstation). There is
// no locking: the store defends itself with atomic writes, write-then-verify
// and backup-based recovery instead.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ErrCorrupt is returned when a document cannot be parsed and no usable
// backup exists to restore it from.
var ErrCorrupt = errors.New("config document corrupt and no usable backup")

// Document is a parsed config file: section -> key -> value.
type Document map[string]map[string]interface{}

// Entry is one key assignment for SetBatch.
type Entry struct {
	Section string
	Key     string
	Value   interface{}
}

const backupKeep = 3

// Read parses the document at path. A missing file yields an empty document.
// An unparseable file triggers backup recovery: the smallest, oldest backup
// sibling is restored over the primary and parsing is retried once.
func Read(path string) (Document, error) {
	doc, err := readOnce(path)
	if err == nil {
		return doc, nil
	}
	if os.IsNotExist(errors.Unwrap(err)) || os.IsNotExist(err) {
		return Document{}, nil
	}

	backup, berr := pickBackup(path)
	if berr != nil || backup == "" {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, path)
	}
	if err := copyFile(backup, path); err != nil {
		return nil, fmt.Errorf("restoring backup %s: %w", backup, err)
	}
	doc, err = readOnce(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (backup %s also unusable)", ErrCorrupt, path, backup)
	}
	return doc, nil
}

func readOnce(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// Get returns the value at section/key. A missing file, section or key is a
// soft miss (ok=false), not an error: callers treat it as "not configured".
func Get(path, section, key string) (interface{}, bool, error) {
	doc, err := Read(path)
	if err != nil {
		return nil, false, err
	}
	sec, ok := doc[section]
	if !ok {
		return nil, false, nil
	}
	val, ok := sec[key]
	return val, ok, nil
}

// GetString is Get with a string assertion; non-strings are a soft miss.
func GetString(path, section, key string) (string, bool, error) {
	val, ok, err := Get(path, section, key)
	if err != nil || !ok {
		return "", ok, err
	}
	s, ok := val.(string)
	return s, ok, nil
}

// Set writes one key. See SetBatch.
func Set(path, section, key string, value interface{}) error {
	return SetBatch(path, []Entry{{section, key, value}})
}

// SetBatch performs a read-modify-write of the whole document, applying all
// entries, then verifies the result before it replaces the primary. A result
// that fails verification is parked as a .bak sibling instead; a confirmed
// bad document never overwrites a good primary.
func SetBatch(path string, entries []Entry) error {
	doc, err := Read(path)
	if err != nil {
		// Unrecoverable primary: start from an empty document. The bad
		// bytes stay on disk only until the verified write replaces them.
		doc = Document{}
	}
	for _, e := range entries {
		sec, ok := doc[e.Section]
		if !ok {
			sec = map[string]interface{}{}
			doc[e.Section] = sec
		}
		sec[e.Key] = e.Value
	}
	return writeVerified(path, doc, entries)
}

// ReplaceSection swaps the entire section for the given entries in one
// verified write. Entries naming other sections are applied too, but the
// named section holds exactly what was passed for it; stale keys go away.
func ReplaceSection(path, section string, entries []Entry) error {
	doc, err := Read(path)
	if err != nil {
		doc = Document{}
	}
	delete(doc, section)
	for _, e := range entries {
		sec, ok := doc[e.Section]
		if !ok {
			sec = map[string]interface{}{}
			doc[e.Section] = sec
		}
		sec[e.Key] = e.Value
	}
	return writeVerified(path, doc, entries)
}

// Delete removes a key, or the whole section when key is empty. Deleting
// something absent is a no-op.
func Delete(path, section, key string) error {
	doc, err := Read(path)
	if err != nil {
		return err
	}
	sec, ok := doc[section]
	if !ok {
		return nil
	}
	if key == "" {
		delete(doc, section)
	} else {
		if _, ok := sec[key]; !ok {
			return nil
		}
		delete(sec, key)
	}
	return writeVerified(path, doc, nil)
}

// EnsureDefaults writes any of the given entries whose key is not yet
// present. Lazily creates the document on first access (self-healing config).
func EnsureDefaults(path string, defaults []Entry) error {
	doc, err := Read(path)
	if err != nil {
		doc = Document{}
	}
	var missing []Entry
	for _, d := range defaults {
		if sec, ok := doc[d.Section]; ok {
			if _, ok := sec[d.Key]; ok {
				continue
			}
		}
		missing = append(missing, d)
	}
	if len(missing) == 0 {
		return nil
	}
	return SetBatch(path, missing)
}

func writeVerified(path string, doc Document, entries []Entry) error {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("serializing %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp" + randSuffix()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}

	// Verify the bytes we are about to promote. A verification failure
	// parks them as a backup so the (possibly still good) primary survives.
	if err := verify(tmp, entries); err != nil {
		bak := backupName(path)
		if rerr := os.Rename(tmp, bak); rerr != nil {
			os.Remove(tmp)
		}
		return fmt.Errorf("write verification failed for %s: %w", path, err)
	}

	refreshBackup(path)
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func verify(path string, entries []Entry) error {
	doc, err := readOnce(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		sec, ok := doc[e.Section]
		if !ok {
			return fmt.Errorf("section %q missing after write", e.Section)
		}
		got, ok := sec[e.Key]
		if !ok {
			return fmt.Errorf("key %q/%q missing after write", e.Section, e.Key)
		}
		want, err1 := json.Marshal(e.Value)
		have, err2 := json.Marshal(got)
		if err1 != nil || err2 != nil || string(want) != string(have) {
			return fmt.Errorf("key %q/%q altered after write", e.Section, e.Key)
		}
	}
	return nil
}

// refreshBackup copies the current (parsing) primary to a .bak sibling so a
// later corrupt write has something to recover from. Old backups are pruned.
func refreshBackup(path string) {
	if _, err := readOnce(path); err != nil {
		return
	}
	if err := copyFile(path, backupName(path)); err != nil {
		return
	}
	pruneBackups(path)
}

func backupName(path string) string {
	return fmt.Sprintf("%s.bak%d%s", path, time.Now().Unix(), randSuffix())
}

// pickBackup selects the recovery candidate among .bak siblings: smallest
// size first, oldest mtime as the tie-break.
func pickBackup(path string) (string, error) {
	backups, err := listBackups(path)
	if err != nil || len(backups) == 0 {
		return "", err
	}
	sort.Slice(backups, func(i, j int) bool {
		if backups[i].size != backups[j].size {
			return backups[i].size < backups[j].size
		}
		return backups[i].mtime.Before(backups[j].mtime)
	})
	for _, b := range backups {
		if _, err := readOnce(b.path); err == nil {
			return b.path, nil
		}
	}
	return "", nil
}

type backupInfo struct {
	path  string
	size  int64
	mtime time.Time
}

func listBackups(path string) ([]backupInfo, error) {
	matches, err := filepath.Glob(path + ".bak*")
	if err != nil {
		return nil, err
	}
	var backups []backupInfo
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil {
			continue
		}
		backups = append(backups, backupInfo{m, fi.Size(), fi.ModTime()})
	}
	return backups, nil
}

func pruneBackups(path string) {
	backups, err := listBackups(path)
	if err != nil || len(backups) <= backupKeep {
		return
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].mtime.After(backups[j].mtime)
	})
	for _, b := range backups[backupKeep:] {
		os.Remove(b.path)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func randSuffix() string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 6)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return string(b)
}
