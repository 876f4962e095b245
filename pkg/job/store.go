package job

import (
	"fmt"
	"os"

	"github.com/prism-pipeline/pandora/pkg/config"
	"github.com/prism-pipeline/pandora/pkg/repo"
)

// Store reads and mutates job documents in the repository. The coordinator's
// copy under Jobs/ is the scheduling authority; slave-side copies are
// independent mirrors.
type Store struct {
	Root repo.Root
}

// NewStore returns a Store over the given repository.
func NewStore(root repo.Root) Store {
	return Store{Root: root}
}

// Exists reports whether the job's directory is present.
func (s Store) Exists(code string) bool {
	fi, err := os.Stat(s.Root.JobDir(code))
	return err == nil && fi.IsDir()
}

// Load parses the job's config document.
func (s Store) Load(code string) (*Job, error) {
	doc, err := config.Read(s.Root.JobConfig(code))
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", code, err)
	}
	return Parse(code, doc)
}

// SetTask persists one task record. Task state is written synchronously,
// one record at a time, before the scheduler moves on.
func (s Store) SetTask(code, taskName string, t Task) error {
	return config.Set(s.Root.JobConfig(code), SectionTasks, taskName, t)
}

// Transition validates and persists a status change, updating the record
// through mutate. It returns the stored task and whether anything changed.
func (s Store) Transition(code, taskName string, to TaskStatus, mutate func(*Task)) (Task, bool, error) {
	j, err := s.Load(code)
	if err != nil {
		return Task{}, false, err
	}
	t, ok := j.Tasks[taskName]
	if !ok {
		return Task{}, false, fmt.Errorf("job %s has no task %s", code, taskName)
	}
	if t.Status == to {
		return t, false, nil
	}
	if !ValidTransition(t.Status, to) {
		return t, false, fmt.Errorf("job %s task %s: invalid transition %s -> %s", code, taskName, t.Status, to)
	}
	t.Status = to
	if mutate != nil {
		mutate(&t)
	}
	if err := s.SetTask(code, taskName, t); err != nil {
		return t, false, err
	}
	return t, true, nil
}

// WriteJob serializes a full job document (used at ingestion and by the
// submission client).
func (s Store) WriteJob(j *Job) error {
	return WriteDocument(s.Root.JobConfig(j.Code), j)
}

// Delete removes the job directory and everything under it.
func (s Store) Delete(code string) error {
	return os.RemoveAll(s.Root.JobDir(code))
}

// WriteDocument writes a job's document to an arbitrary path (submission
// staging writes outside the Jobs/ tree).
func WriteDocument(path string, j *Job) error {
	doc := j.Document()
	var entries []config.Entry
	for section, keys := range doc {
		for key, val := range keys {
			entries = append(entries, config.Entry{Section: section, Key: key, Value: val})
		}
	}
	return config.SetBatch(path, entries)
}
