// Package agent implements the slave process: the mirror-side state
// machine that consumes renderTask commands, runs the render subprocess
// and reports task status back to the coordinator.
//
// The agent owns its Slaves/S_<name>/ subtree. Everything it knows about
// the rest of the farm arrives through its slaveIn_ mailbox.
package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/prism-pipeline/pandora/pkg/command"
	"github.com/prism-pipeline/pandora/pkg/config"
	"github.com/prism-pipeline/pandora/pkg/job"
	"github.com/prism-pipeline/pandora/pkg/logging"
	"github.com/prism-pipeline/pandora/pkg/mailbox"
	"github.com/prism-pipeline/pandora/pkg/repo"
	"github.com/prism-pipeline/pandora/pkg/slavefarm"
	"github.com/prism-pipeline/pandora/pkg/warn"
)

// Version is published as slaveScriptVersion in the slave info section.
const Version = "2.0.0"

// staleCommandAge expires renderTask commands the agent reads too late.
const staleCommandAge = 15 * time.Minute

// CursorProbe reports whether a user is interactively using the machine.
// The default probe always reports no activity; querying the display
// server is platform glue wired in by the desktop builds.
type CursorProbe func() bool

// Agent is one slave process.
type Agent struct {
	Root     repo.Root
	Name     string
	Log      *logging.Logger
	Warnings warn.Store
	Renderer Renderer
	Cursor   CursorProbe

	mu      sync.Mutex
	running map[string]*renderProc // taskKey -> process
	done    chan renderResult
	stopped bool
}

// New prepares the agent's directory tree and returns the Agent.
func New(root repo.Root, name string, log *logging.Logger, renderer Renderer) (*Agent, error) {
	if !root.Exists() {
		return nil, fmt.Errorf("repository path %s does not exist", root.Path)
	}
	for _, dir := range []string{
		root.SlaveDir(name), root.SlaveComm(name),
		root.SlaveAssignedJobs(name), root.SlaveOutput(name),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if err := config.EnsureDefaults(root.SlaveSettings(name), slavefarm.DefaultSettings()); err != nil {
		return nil, fmt.Errorf("initializing slave settings: %w", err)
	}
	a := &Agent{
		Root:     root,
		Name:     name,
		Log:      log,
		Warnings: warn.Store{Path: root.SlaveWarnings(name)},
		Renderer: renderer,
		Cursor:   func() bool { return false },
		running:  map[string]*renderProc{},
		done:     make(chan renderResult, 16),
	}
	log.SetWarnSink(func(text string, severity int) {
		if severity >= int(logging.WARN) {
			a.Warnings.Add(text, severity)
		}
	})
	return a, nil
}

// Run drives the agent loop until ctx is canceled or an exitSlave command
// arrives.
func (a *Agent) Run(ctx context.Context) error {
	a.Log.Infof("slave %s starting, repository %s", a.Name, a.Root.Path)
	a.touchHeartbeat()
	a.publishInfo()

	for {
		settings := a.readSettings()
		a.applySettingsCommand(settings.Command)
		interval := time.Duration(settings.UpdateTime) * time.Second
		if interval <= 0 {
			interval = 10 * time.Second
		}

		select {
		case <-ctx.Done():
			a.Log.Infof("slave %s stopping: %v", a.Name, ctx.Err())
			a.killAll()
			return nil
		case res := <-a.done:
			a.finishTask(res)
			continue
		case <-time.After(interval):
		}

		a.touchHeartbeat()
		a.drainResults()
		a.drainCommands(ctx, settings)
		a.publishInfo()

		a.mu.Lock()
		stopped := a.stopped
		a.mu.Unlock()
		if stopped {
			a.Log.Infof("slave %s received exit command", a.Name)
			a.killAll()
			return nil
		}
	}
}

func (a *Agent) readSettings() slavefarm.Settings {
	path := a.Root.SlaveSettings(a.Name)
	if err := config.EnsureDefaults(path, slavefarm.DefaultSettings()); err != nil {
		a.Log.Errorf("restoring slave settings defaults: %v", err)
	}
	doc, err := config.Read(path)
	if err != nil {
		a.Log.Errorf("reading slave settings: %v", err)
		doc = config.Document{}
	}
	settings := slavefarm.ParseSettings(doc)
	if settings.DebugMode {
		a.Log.SetLevel(logging.DEBUG)
	} else {
		a.Log.SetLevel(logging.INFO)
	}
	return settings
}

// applySettingsCommand runs the one-shot action stored under the settings
// command key and clears it. Only "exit" is recognized.
func (a *Agent) applySettingsCommand(cmd string) {
	if cmd == "" {
		return
	}
	if err := config.Set(a.Root.SlaveSettings(a.Name), slavefarm.SectionSettings, "command", ""); err != nil {
		a.Log.Errorf("clearing settings command: %v", err)
	}
	switch cmd {
	case "exit":
		a.mu.Lock()
		a.stopped = true
		a.mu.Unlock()
	default:
		a.Log.Warnf("ignoring settings command %q", cmd)
	}
}

// touchHeartbeat refreshes the liveness file's mtime, the only signal the
// coordinator has that this process is alive.
func (a *Agent) touchHeartbeat() {
	path := a.Root.SlaveHeartbeat(a.Name)
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		if f, cerr := os.Create(path); cerr == nil {
			f.Close()
		} else {
			a.Log.Errorf("touching heartbeat: %v", cerr)
		}
	}
}

// publishInfo writes the slaveinfo section: status, current tasks and
// hardware facts the coordinator and UI read.
func (a *Agent) publishInfo() {
	a.mu.Lock()
	curtasks := make([]interface{}, 0, len(a.running))
	for _, p := range a.running {
		curtasks = append(curtasks, []interface{}{p.spec.JobCode, p.spec.TaskName})
	}
	status := "idle"
	if len(a.running) > 0 {
		status = "rendering"
	}
	a.mu.Unlock()

	entries := []config.Entry{
		{Section: slavefarm.SectionInfo, Key: "status", Value: status},
		{Section: slavefarm.SectionInfo, Key: "curtasks", Value: curtasks},
		{Section: slavefarm.SectionInfo, Key: "slaveScriptVersion", Value: Version},
	}
	if count, err := cpu.Counts(true); err == nil {
		entries = append(entries, config.Entry{Section: slavefarm.SectionInfo, Key: "cpuCount", Value: count})
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		entries = append(entries, config.Entry{
			Section: slavefarm.SectionInfo, Key: "ram",
			Value: int(vm.Total / (1024 * 1024 * 1024)),
		})
	}
	if err := config.SetBatch(a.Root.SlaveSettings(a.Name), entries); err != nil {
		a.Log.Errorf("publishing slave info: %v", err)
	}
}

func (a *Agent) drainResults() {
	for {
		select {
		case res := <-a.done:
			a.finishTask(res)
		default:
			return
		}
	}
}

func (a *Agent) drainCommands(ctx context.Context, settings slavefarm.Settings) {
	in := mailbox.New(a.Root.SlaveComm(a.Name), mailbox.PrefixSlaveIn)
	msgs, err := in.Drain(func(file string, derr error) {
		a.Log.Errorf("dropping command %s: %v", file, derr)
	})
	if err != nil {
		a.Log.Errorf("draining commands: %v", err)
		return
	}
	for _, m := range msgs {
		a.handleCmd(ctx, m, settings)
	}
}

func (a *Agent) handleCmd(ctx context.Context, m mailbox.Message, settings slavefarm.Settings) {
	switch cmd := m.Command.(type) {
	case command.RenderTask:
		a.handleRenderTask(ctx, m, cmd, settings)
	case command.CancelTask:
		a.cancelTask(cmd.JobCode, cmd.TaskName)
	case command.DeleteJob:
		a.deleteJobMirror(cmd.JobCode)
	case command.SetSetting:
		if cmd.TargetType != "Slave" || cmd.TargetName != a.Name {
			a.Log.Warnf("ignoring setSetting for %s/%s", cmd.TargetType, cmd.TargetName)
			return
		}
		if err := config.Set(a.Root.SlaveSettings(a.Name), slavefarm.SectionSettings, cmd.Key, cmd.Value); err != nil {
			a.Log.Errorf("applying setting %s: %v", cmd.Key, err)
		}
	case command.DeleteWarning:
		if err := a.Warnings.Delete(cmd.Text); err != nil {
			a.Log.Errorf("deleting warning: %v", err)
		}
	case command.ClearWarnings:
		if err := a.Warnings.Clear(); err != nil {
			a.Log.Errorf("clearing warnings: %v", err)
		}
	case command.ClearLog:
		if err := os.Truncate(a.Root.SlaveLog(a.Name), 0); err != nil && !os.IsNotExist(err) {
			a.Log.Errorf("clearing log: %v", err)
		}
	case command.CheckConnection:
		a.touchHeartbeat()
	case command.ExitSlave:
		a.mu.Lock()
		a.stopped = true
		a.mu.Unlock()
	default:
		a.Log.Warnf("ignoring command %s", m.Command.Verb())
	}
}

// handleRenderTask validates a task assignment and launches the render.
// A command the agent may not or cannot act on is handed back as ready so
// the coordinator can reassign it without waiting for the timeout.
func (a *Agent) handleRenderTask(ctx context.Context, m mailbox.Message, cmd command.RenderTask, settings slavefarm.Settings) {
	key := taskKey(cmd.JobCode, cmd.TaskName)
	a.mu.Lock()
	_, alreadyRunning := a.running[key]
	a.mu.Unlock()
	if alreadyRunning {
		// Duplicate delivery of a task this agent is working on. Handing it
		// back as ready would make the coordinator reassign a live render.
		a.Log.Debugf("dropping duplicate renderTask %s, already running", key)
		return
	}
	if time.Since(m.Sent) > staleCommandAge {
		a.Log.Warnf("renderTask %s/%s expired in transit (%s old), returning",
			cmd.JobCode, cmd.TaskName, time.Since(m.Sent).Round(time.Second))
		a.reportReady(cmd.JobCode, cmd.TaskName)
		return
	}
	if reason := a.declineReason(settings); reason != "" {
		a.Log.Infof("declining renderTask %s/%s: %s", cmd.JobCode, cmd.TaskName, reason)
		a.reportReady(cmd.JobCode, cmd.TaskName)
		return
	}
	if settings.PreRenderWaitTime > 0 {
		time.Sleep(time.Duration(settings.PreRenderWaitTime) * time.Second)
	}
	if err := a.startRender(ctx, cmd); err != nil {
		a.Log.Errorf("starting render %s/%s: %v", cmd.JobCode, cmd.TaskName, err)
		a.reportReady(cmd.JobCode, cmd.TaskName)
	}
}

// declineReason applies the local render gates: enabled, paused, rest
// period, CPU load, cursor activity and the concurrency cap.
func (a *Agent) declineReason(settings slavefarm.Settings) string {
	if !settings.Enabled {
		return "slave disabled"
	}
	if settings.Paused {
		return "slave paused"
	}
	if settings.Rest.Contains(time.Now()) {
		return "inside rest period"
	}
	a.mu.Lock()
	running := len(a.running)
	a.mu.Unlock()
	if running >= settings.MaxConcurrentTasks {
		return "concurrency cap reached"
	}
	if settings.MaxCPU > 0 && running == 0 {
		// Only gate the first task on load; our own renders would trip it.
		if pct, err := cpu.Percent(500*time.Millisecond, false); err == nil && len(pct) > 0 {
			if int(pct[0]) > settings.MaxCPU {
				return fmt.Sprintf("CPU load %d%% above threshold %d%%", int(pct[0]), settings.MaxCPU)
			}
		}
	}
	if settings.CursorCheck && a.Cursor() {
		return "user activity detected"
	}
	return ""
}

func (a *Agent) slaveOut() mailbox.Channel {
	return mailbox.New(a.Root.SlaveComm(a.Name), mailbox.PrefixSlaveOut)
}

// reportReady hands a task back to the coordinator unexecuted.
func (a *Agent) reportReady(jobCode, taskName string) {
	err := a.slaveOut().Send(command.TaskUpdate{
		JobCode:  jobCode,
		TaskName: taskName,
		Status:   string(job.StatusReady),
		Slave:    job.Unassigned,
	})
	if err != nil {
		a.Log.Errorf("reporting task %s/%s ready: %v", jobCode, taskName, err)
	}
}

func (a *Agent) deleteJobMirror(jobCode string) {
	a.mu.Lock()
	for key, p := range a.running {
		if p.spec.JobCode == jobCode {
			p.kill()
			delete(a.running, key)
		}
	}
	a.mu.Unlock()
	os.RemoveAll(a.Root.SlaveAssignedJob(a.Name, jobCode))
	os.RemoveAll(filepath.Join(a.Root.SlaveOutput(a.Name), jobCode))
	a.Log.Infof("removed local mirror of job %s", jobCode)
}
