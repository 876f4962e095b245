// Package slavefarm builds the coordinator's per-cycle view of the slaves.
//
// Slave state is owned by each slave's own process; the coordinator only
// reads settings snapshots and heartbeat mtimes. Liveness is purely
// heartbeat age — there is no acknowledgment protocol.
package slavefarm

import (
	"os"
	"strings"
	"time"

	"github.com/prism-pipeline/pandora/pkg/config"
	"github.com/prism-pipeline/pandora/pkg/repo"
)

// ActiveThreshold is the maximum heartbeat age of an "active" slave.
const ActiveThreshold = 10 * time.Minute

// Document section names of slaveSettings_<name>.json.
const (
	SectionSettings = "settings"
	SectionInfo     = "slaveinfo"
)

// RestPeriod is a daily window in which rendering is suppressed.
type RestPeriod struct {
	Enabled   bool
	StartHour int
	EndHour   int
}

// Contains reports whether t falls inside the window. A window crossing
// midnight (start > end) wraps.
func (rp RestPeriod) Contains(t time.Time) bool {
	if !rp.Enabled {
		return false
	}
	h := t.Hour()
	if rp.StartHour <= rp.EndHour {
		return h >= rp.StartHour && h < rp.EndHour
	}
	return h >= rp.StartHour || h < rp.EndHour
}

// Settings is the parsed "settings" section of a slave document.
type Settings struct {
	Enabled             bool
	Paused              bool
	UpdateTime          int // agent poll interval, seconds
	MaxCPU              int // percent; above this the slave declines tasks
	CursorCheck         bool
	DebugMode           bool
	ShowSlaveWindow     bool
	ShowInterruptWindow bool
	ConnectionTimeout   int // minutes
	PreRenderWaitTime   int // seconds
	MaxConcurrentTasks  int
	Rest                RestPeriod
	Groups              []string
	Command             string // maintenance action name, allow-listed
}

// TaskRef identifies a task a slave is currently working on.
type TaskRef struct {
	JobCode  string
	TaskName string
}

// Slave is the coordinator's snapshot of one worker.
type Slave struct {
	Name        string
	Active      bool
	LastContact time.Time
	Settings    Settings
	CurTasks    []TaskRef
}

// Holds reports whether the slave's own current-task list contains the task.
func (s Slave) Holds(jobCode, taskName string) bool {
	for _, ref := range s.CurTasks {
		if ref.JobCode == jobCode && ref.TaskName == taskName {
			return true
		}
	}
	return false
}

// Available is a slave with remaining concurrency headroom, as consumed by
// the assignment walk.
type Available struct {
	Name       string
	MaxTasks   int
	CurTaskNum int
}

// DefaultSettings are written into a slave document on first access.
func DefaultSettings() []config.Entry {
	return []config.Entry{
		{Section: SectionSettings, Key: "enabled", Value: true},
		{Section: SectionSettings, Key: "paused", Value: false},
		{Section: SectionSettings, Key: "updateTime", Value: 10},
		{Section: SectionSettings, Key: "maxCPU", Value: 30},
		{Section: SectionSettings, Key: "cursorCheck", Value: false},
		{Section: SectionSettings, Key: "debugMode", Value: false},
		{Section: SectionSettings, Key: "showSlaveWindow", Value: false},
		{Section: SectionSettings, Key: "showInterruptWindow", Value: false},
		{Section: SectionSettings, Key: "connectionTimeout", Value: 15},
		{Section: SectionSettings, Key: "preRenderWaitTime", Value: 0},
		{Section: SectionSettings, Key: "maxConcurrentTasks", Value: 1},
		{Section: SectionSettings, Key: "restPeriod", Value: []interface{}{false, 9, 18}},
		{Section: SectionSettings, Key: "slaveGroup", Value: []interface{}{}},
		{Section: SectionSettings, Key: "command", Value: ""},
	}
}

// ParseSettings reads a slave document into Settings. Missing keys take the
// same defaults DefaultSettings writes.
func ParseSettings(doc config.Document) Settings {
	s := Settings{
		Enabled:            true,
		UpdateTime:         10,
		MaxCPU:             30,
		ConnectionTimeout:  15,
		MaxConcurrentTasks: 1,
		Rest:               RestPeriod{StartHour: 9, EndHour: 18},
	}
	sec := doc[SectionSettings]
	if v, ok := sec["enabled"].(bool); ok {
		s.Enabled = v
	}
	if v, ok := sec["paused"].(bool); ok {
		s.Paused = v
	}
	if v, ok := asInt(sec["updateTime"]); ok {
		s.UpdateTime = v
	}
	if v, ok := asInt(sec["maxCPU"]); ok {
		s.MaxCPU = v
	}
	if v, ok := sec["cursorCheck"].(bool); ok {
		s.CursorCheck = v
	}
	if v, ok := sec["debugMode"].(bool); ok {
		s.DebugMode = v
	}
	if v, ok := sec["showSlaveWindow"].(bool); ok {
		s.ShowSlaveWindow = v
	}
	if v, ok := sec["showInterruptWindow"].(bool); ok {
		s.ShowInterruptWindow = v
	}
	if v, ok := asInt(sec["connectionTimeout"]); ok {
		s.ConnectionTimeout = v
	}
	if v, ok := asInt(sec["preRenderWaitTime"]); ok {
		s.PreRenderWaitTime = v
	}
	if v, ok := asInt(sec["maxConcurrentTasks"]); ok && v > 0 {
		s.MaxConcurrentTasks = v
	}
	if v, ok := sec["command"].(string); ok {
		s.Command = v
	}
	if rp, ok := sec["restPeriod"].([]interface{}); ok && len(rp) == 3 {
		if en, ok := rp[0].(bool); ok {
			s.Rest.Enabled = en
		}
		if v, ok := asInt(rp[1]); ok {
			s.Rest.StartHour = v
		}
		if v, ok := asInt(rp[2]); ok {
			s.Rest.EndHour = v
		}
	}
	if groups, ok := sec["slaveGroup"].([]interface{}); ok {
		for _, g := range groups {
			if name, ok := g.(string); ok {
				s.Groups = append(s.Groups, name)
			}
		}
	}
	return s
}

func parseCurTasks(doc config.Document) []TaskRef {
	raw, ok := doc[SectionInfo]["curtasks"].([]interface{})
	if !ok {
		return nil
	}
	var refs []TaskRef
	for _, entry := range raw {
		pair, ok := entry.([]interface{})
		if !ok || len(pair) != 2 {
			continue
		}
		code, ok1 := pair[0].(string)
		task, ok2 := pair[1].(string)
		if ok1 && ok2 {
			refs = append(refs, TaskRef{JobCode: code, TaskName: task})
		}
	}
	return refs
}

// Scan builds the registry snapshot: one Slave per S_ directory, liveness
// from the heartbeat file's mtime against ActiveThreshold.
func Scan(root repo.Root, now time.Time) ([]Slave, error) {
	names, err := root.ListSlaves()
	if err != nil {
		return nil, err
	}
	slaves := make([]Slave, 0, len(names))
	for _, name := range names {
		s := Slave{Name: name}
		if fi, err := os.Stat(root.SlaveHeartbeat(name)); err == nil {
			s.LastContact = fi.ModTime()
			s.Active = now.Sub(fi.ModTime()) < ActiveThreshold
		}
		doc, err := config.Read(root.SlaveSettings(name))
		if err != nil {
			// A corrupt settings doc makes the slave unschedulable this
			// cycle but must not fail the scan.
			doc = config.Document{}
		}
		s.Settings = ParseSettings(doc)
		s.CurTasks = parseCurTasks(doc)
		slaves = append(slaves, s)
	}
	return slaves, nil
}

// MatchesList evaluates a job's listSlaves expression against a slave name
// and its group membership. Forms: "All", "exclude a, b", "groups: g1, g2",
// or a plain comma-separated allow-list.
func MatchesList(expr string, s Slave) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" || strings.EqualFold(expr, "All") {
		return true
	}
	if rest, ok := cutPrefixFold(expr, "exclude "); ok {
		return !nameInList(rest, s.Name)
	}
	if rest, ok := cutPrefixFold(expr, "groups:"); ok {
		wanted := splitList(rest)
		for _, g := range s.Settings.Groups {
			for _, w := range wanted {
				if strings.EqualFold(g, w) {
					return true
				}
			}
		}
		return false
	}
	return nameInList(expr, s.Name)
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return "", false
}

func nameInList(list, name string) bool {
	for _, n := range splitList(list) {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

func splitList(list string) []string {
	var out []string
	for _, part := range strings.Split(list, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
