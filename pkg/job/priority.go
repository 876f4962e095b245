package job

import (
	"sort"

	"github.com/prism-pipeline/pandora/pkg/config"
	"github.com/prism-pipeline/pandora/pkg/repo"
)

const prioSection = "priorities"

// IndexEntry is one priority-index record.
type IndexEntry struct {
	JobCode    string
	Priority   int
	SubmitUnix int64
}

// Index is the persisted jobCode -> priority mapping the scheduler walks
// each cycle. Ordering is priority descending, then submission time
// ascending, then job code: ties never depend on map iteration order.
type Index struct {
	path string
}

// NewIndex returns the Index of the given repository.
func NewIndex(root repo.Root) Index {
	return Index{path: root.PriorityIndex()}
}

// Set inserts or updates a job's entry.
func (ix Index) Set(code string, priority int, submitUnix int64) error {
	return config.Set(ix.path, prioSection, code, []interface{}{priority, submitUnix})
}

// Remove drops a job's entry. Unknown codes are a no-op.
func (ix Index) Remove(code string) error {
	return config.Delete(ix.path, prioSection, code)
}

// Ordered returns all entries in scheduling order.
func (ix Index) Ordered() ([]IndexEntry, error) {
	doc, err := config.Read(ix.path)
	if err != nil {
		return nil, err
	}
	var entries []IndexEntry
	for code, raw := range doc[prioSection] {
		pair, ok := raw.([]interface{})
		if !ok || len(pair) != 2 {
			continue
		}
		prio, ok1 := num(pair[0])
		submit, ok2 := num(pair[1])
		if !ok1 || !ok2 {
			continue
		}
		entries = append(entries, IndexEntry{
			JobCode:    code,
			Priority:   int(prio),
			SubmitUnix: int64(submit),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		if entries[i].SubmitUnix != entries[j].SubmitUnix {
			return entries[i].SubmitUnix < entries[j].SubmitUnix
		}
		return entries[i].JobCode < entries[j].JobCode
	})
	return entries, nil
}
