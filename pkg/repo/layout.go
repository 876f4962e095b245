// Package repo defines the shared-repository filesystem layout.
//
// Every path that coordinator, slaves and workstations exchange lives under
// a single root directory. The layout is an interop contract: unconverted
// peers resolve the exact same names, so none of these may change.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	slavePrefix       = "S_"
	workstationPrefix = "WS_"
)

// Root is the repository root directory shared by all farm processes.
type Root struct {
	Path string
}

// New returns a Root for the given repository path.
func New(path string) Root {
	return Root{Path: path}
}

// Exists reports whether the repository root directory is present.
func (r Root) Exists() bool {
	fi, err := os.Stat(r.Path)
	return err == nil && fi.IsDir()
}

// Jobs/

func (r Root) JobsDir() string {
	return filepath.Join(r.Path, "Jobs")
}

func (r Root) JobDir(jobCode string) string {
	return filepath.Join(r.JobsDir(), jobCode)
}

// JobConfig returns the path of a job's config document.
func (r Root) JobConfig(jobCode string) string {
	return filepath.Join(r.JobDir(jobCode), "PandoraJob.json")
}

// JobFilesDir returns the directory holding a job's scene and asset files.
func (r Root) JobFilesDir(jobCode string) string {
	return filepath.Join(r.JobDir(jobCode), "JobFiles")
}

// Slaves/

func (r Root) SlavesDir() string {
	return filepath.Join(r.Path, "Slaves")
}

func (r Root) SlaveDir(name string) string {
	return filepath.Join(r.SlavesDir(), slavePrefix+name)
}

func (r Root) SlaveSettings(name string) string {
	return filepath.Join(r.SlaveDir(name), fmt.Sprintf("slaveSettings_%s.json", name))
}

func (r Root) SlaveLog(name string) string {
	return filepath.Join(r.SlaveDir(name), fmt.Sprintf("slaveLog_%s.txt", name))
}

func (r Root) SlaveWarnings(name string) string {
	return filepath.Join(r.SlaveDir(name), fmt.Sprintf("slaveWarnings_%s.json", name))
}

// SlaveComm is the mailbox directory carrying slaveIn_/slaveOut_ messages.
func (r Root) SlaveComm(name string) string {
	return filepath.Join(r.SlaveDir(name), "Communication")
}

func (r Root) SlaveAssignedJobs(name string) string {
	return filepath.Join(r.SlaveDir(name), "AssignedJobs")
}

func (r Root) SlaveAssignedJob(name, jobCode string) string {
	return filepath.Join(r.SlaveAssignedJobs(name), jobCode)
}

func (r Root) SlaveOutput(name string) string {
	return filepath.Join(r.SlaveDir(name), "Output")
}

// SlaveHeartbeat is the liveness file; its mtime is the last-seen signal.
func (r Root) SlaveHeartbeat(name string) string {
	return filepath.Join(r.SlaveDir(name), "slaveActive_"+name)
}

// Workstations/

func (r Root) WorkstationsDir() string {
	return filepath.Join(r.Path, "Workstations")
}

func (r Root) WorkstationDir(name string) string {
	return filepath.Join(r.WorkstationsDir(), workstationPrefix+name)
}

// WorkstationCommands holds handlerOut_ messages addressed to the coordinator.
func (r Root) WorkstationCommands(name string) string {
	return filepath.Join(r.WorkstationDir(name), "Commands")
}

func (r Root) WorkstationSubmissions(name string) string {
	return filepath.Join(r.WorkstationDir(name), "JobSubmissions")
}

func (r Root) WorkstationRenderOutput(name string) string {
	return filepath.Join(r.WorkstationDir(name), "RenderOutput")
}

// Scripts/PandoraCoordinator/

func (r Root) CoordinatorDir() string {
	return filepath.Join(r.Path, "Scripts", "PandoraCoordinator")
}

func (r Root) CoordinatorSettings() string {
	return filepath.Join(r.CoordinatorDir(), "Coordinator_Settings.json")
}

func (r Root) CoordinatorLog(host string) string {
	return filepath.Join(r.CoordinatorDir(), fmt.Sprintf("Coordinator_Log_%s.txt", host))
}

func (r Root) CoordinatorWarnings(host string) string {
	return filepath.Join(r.CoordinatorDir(), fmt.Sprintf("Coordinator_Warnings_%s.json", host))
}

// ActiveSlaves is the last-contact map republished for the UI each cycle.
func (r Root) ActiveSlaves() string {
	return filepath.Join(r.CoordinatorDir(), "ActiveSlaves.json")
}

// PriorityIndex is the persisted jobCode -> priority ordering document.
func (r Root) PriorityIndex() string {
	return filepath.Join(r.CoordinatorDir(), "PandoraPrioList.json")
}

// ExitFile signals coordinator shutdown once its mtime is old enough.
func (r Root) ExitFile() string {
	return filepath.Join(r.CoordinatorDir(), "EXIT.txt")
}

// StatusDir is the UI-readable mirror populated by notifyWorkstations.
func (r Root) StatusDir() string {
	return filepath.Join(r.CoordinatorDir(), "Status")
}

func (r Root) StatusJobLogs() string {
	return filepath.Join(r.StatusDir(), "Logs", "Jobs")
}

func (r Root) StatusSlaveLogs() string {
	return filepath.Join(r.StatusDir(), "Logs", "Slaves")
}

// ProjectAssetsDir holds shared per-project asset files referenced by jobs
// through their projectAssets declarations.
func (r Root) ProjectAssetsDir(project string) string {
	return filepath.Join(r.Path, "ProjectAssets", project)
}

// SlaveScriptSource is the coordinator-side slave software staging area;
// newer files here are pushed to each slave (soft update mechanism).
func (r Root) SlaveScriptSource() string {
	return filepath.Join(r.Path, "Scripts", "PandoraSlave")
}

// SlaveScripts is a slave's local copy of the pushed slave software.
func (r Root) SlaveScripts(name string) string {
	return filepath.Join(r.SlaveDir(name), "Scripts")
}

// HistoryDB is the coordinator's job-history archive.
func (r Root) HistoryDB() string {
	return filepath.Join(r.CoordinatorDir(), "history.db")
}

// ListJobs returns the job codes currently present in the repository.
func (r Root) ListJobs() ([]string, error) {
	return listDirs(r.JobsDir(), "")
}

// ListSlaves returns registered slave names, derived from S_ directories.
func (r Root) ListSlaves() ([]string, error) {
	return listDirs(r.SlavesDir(), slavePrefix)
}

// ListWorkstations returns known workstation names from WS_ directories.
func (r Root) ListWorkstations() ([]string, error) {
	return listDirs(r.WorkstationsDir(), workstationPrefix)
}

func listDirs(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if prefix != "" {
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			name = strings.TrimPrefix(name, prefix)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
