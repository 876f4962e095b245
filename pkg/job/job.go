// Package job models render jobs, their task tables and the priority index.
//
// A job lives in the repository as Jobs/<code>/PandoraJob.json with three
// sections: jobglobals (scheduling knobs), information (descriptive
// metadata) and jobtasks (the per-task state table).
package job

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"

	"github.com/prism-pipeline/pandora/pkg/config"
)

// Document section names of PandoraJob.json.
const (
	SectionGlobals     = "jobglobals"
	SectionInformation = "information"
	SectionTasks       = "jobtasks"
)

// Asset is one shared project file a job references: repository-relative
// path plus the modification time used to decide whether a slave's copy is
// current. Equality is mtime-based, not content-based.
type Asset struct {
	RelPath string
	MTime   float64
}

// Job is the parsed form of a PandoraJob.json document.
type Job struct {
	Code            string
	Name            string
	SceneName       string
	ProjectName     string
	UserName        string
	SubmitDate      string
	FrameRange      string
	Program         string
	ProgramVersion  string
	Camera          string
	OutputFolder    string
	OutputPath      string
	FileCount       int
	SubmitWS        string
	Priority        int
	UploadOutput    bool
	ListSlaves      string
	TaskTimeout     int // minutes; rendering tasks older than this are reclaimed
	ConcurrentTasks int // per-slave cap for this job
	Width           int
	Height          int
	Dependencies    []string // job codes that must be fully finished first
	Assets          []Asset

	Tasks map[string]Task
}

// MissingFieldError marks a job document lacking a required field; the
// scheduler skips such jobs with a warning instead of failing the cycle.
type MissingFieldError struct {
	JobCode string
	Field   string
}

func (e MissingFieldError) Error() string {
	return fmt.Sprintf("job %s: required field %q missing", e.JobCode, e.Field)
}

// Parse builds a Job from a config document. jobName, sceneName and
// fileCount are required; everything else falls back to defaults.
func Parse(code string, doc config.Document) (*Job, error) {
	info := doc[SectionInformation]
	globals := doc[SectionGlobals]

	j := &Job{
		Code:            code,
		Priority:        50,
		ListSlaves:      "All",
		TaskTimeout:     180,
		ConcurrentTasks: 1,
		Tasks:           map[string]Task{},
	}

	var ok bool
	if j.Name, ok = str(info["jobName"]); !ok || j.Name == "" {
		return nil, MissingFieldError{code, "jobName"}
	}
	if j.SceneName, ok = str(info["sceneName"]); !ok || j.SceneName == "" {
		return nil, MissingFieldError{code, "sceneName"}
	}
	fc, ok := num(info["fileCount"])
	if !ok {
		return nil, MissingFieldError{code, "fileCount"}
	}
	j.FileCount = int(fc)

	j.ProjectName, _ = str(info["projectName"])
	j.UserName, _ = str(info["userName"])
	j.SubmitDate, _ = str(info["submitDate"])
	j.FrameRange, _ = str(info["frameRange"])
	j.Program, _ = str(info["program"])
	j.ProgramVersion, _ = str(info["programVersion"])
	j.Camera, _ = str(info["camera"])
	j.OutputFolder, _ = str(info["outputFolder"])
	j.OutputPath, _ = str(info["outputPath"])
	j.SubmitWS, _ = str(info["submitWorkstation"])

	if v, ok := num(globals["priority"]); ok {
		j.Priority = int(v)
	}
	if v, ok := globals["uploadOutput"].(bool); ok {
		j.UploadOutput = v
	}
	if v, ok := str(globals["listSlaves"]); ok && v != "" {
		j.ListSlaves = v
	}
	if v, ok := num(globals["taskTimeout"]); ok && v > 0 {
		j.TaskTimeout = int(v)
	}
	if v, ok := num(globals["concurrentTasks"]); ok && v > 0 {
		j.ConcurrentTasks = int(v)
	}
	if v, ok := num(globals["width"]); ok {
		j.Width = int(v)
	}
	if v, ok := num(globals["height"]); ok {
		j.Height = int(v)
	}
	j.Dependencies = parseDependencies(globals["jobDependencies"])
	j.Assets = parseAssets(info["projectAssets"])

	for name, raw := range doc[SectionTasks] {
		data, err := json.Marshal(raw)
		if err != nil {
			continue
		}
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			continue
		}
		j.Tasks[name] = t
	}
	return j, nil
}

// Document serializes the job back into its three-section form.
func (j *Job) Document() config.Document {
	deps := make([]interface{}, 0, len(j.Dependencies))
	for _, d := range j.Dependencies {
		deps = append(deps, []interface{}{d, 1})
	}
	assets := make([]interface{}, 0, len(j.Assets))
	for _, a := range j.Assets {
		assets = append(assets, []interface{}{a.RelPath, a.MTime})
	}
	doc := config.Document{
		SectionGlobals: {
			"priority":        j.Priority,
			"uploadOutput":    j.UploadOutput,
			"listSlaves":      j.ListSlaves,
			"taskTimeout":     j.TaskTimeout,
			"concurrentTasks": j.ConcurrentTasks,
			"width":           j.Width,
			"height":          j.Height,
			"jobDependencies": deps,
		},
		SectionInformation: {
			"jobName":           j.Name,
			"sceneName":         j.SceneName,
			"projectName":       j.ProjectName,
			"userName":          j.UserName,
			"submitDate":        j.SubmitDate,
			"frameRange":        j.FrameRange,
			"program":           j.Program,
			"programVersion":    j.ProgramVersion,
			"camera":            j.Camera,
			"outputFolder":      j.OutputFolder,
			"outputPath":        j.OutputPath,
			"fileCount":         j.FileCount,
			"jobCode":           j.Code,
			"submitWorkstation": j.SubmitWS,
			"projectAssets":     assets,
		},
		SectionTasks: {},
	}
	for name, t := range j.Tasks {
		doc[SectionTasks][name] = t
	}
	return doc
}

// TaskNames returns the task names in ascending index order. Tasks within a
// job are always processed in this order; priority only orders jobs.
func (j *Job) TaskNames() []string {
	names := make([]string, 0, len(j.Tasks))
	for name := range j.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllFinished reports whether every task of the job is finished. A job with
// no tasks is not finished; dependency gating must not release on it.
func (j *Job) AllFinished() bool {
	if len(j.Tasks) == 0 {
		return false
	}
	for _, t := range j.Tasks {
		if t.Status != StatusFinished {
			return false
		}
	}
	return true
}

func parseDependencies(raw interface{}) []string {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	var deps []string
	for _, entry := range list {
		// Entries arrive as [jobCode, ...] pairs; only the code matters.
		if pair, ok := entry.([]interface{}); ok && len(pair) > 0 {
			if code, ok := pair[0].(string); ok && code != "" {
				deps = append(deps, code)
			}
		} else if code, ok := entry.(string); ok && code != "" {
			deps = append(deps, code)
		}
	}
	return deps
}

func parseAssets(raw interface{}) []Asset {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	var assets []Asset
	for _, entry := range list {
		pair, ok := entry.([]interface{})
		if !ok || len(pair) != 2 {
			continue
		}
		rel, ok1 := pair[0].(string)
		mtime, ok2 := num(pair[1])
		if ok1 && ok2 {
			assets = append(assets, Asset{RelPath: rel, MTime: mtime})
		}
	}
	return assets
}

func str(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func num(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

const codeChars = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewCode generates a 10-character lowercase alphanumeric job code. The
// caller checks repository uniqueness before using it.
func NewCode() string {
	b := make([]byte, 10)
	for i := range b {
		b[i] = codeChars[rand.Intn(len(codeChars))]
	}
	return string(b)
}
