package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/prism-pipeline/pandora/pkg/command"
	"github.com/prism-pipeline/pandora/pkg/config"
	"github.com/prism-pipeline/pandora/pkg/history"
	"github.com/prism-pipeline/pandora/pkg/job"
	"github.com/prism-pipeline/pandora/pkg/warn"
)

// handleCmd dispatches one inbound command. Delivery is at-least-once-ish:
// every case guards on current state before mutating, so a duplicate or
// stale message degrades to a logged no-op.
func (c *Coordinator) handleCmd(ctx context.Context, cmd command.Command, origin string) {
	if c.Metrics != nil {
		c.Metrics.CommandsTotal.WithLabelValues(cmd.Verb()).Inc()
	}
	c.Log.Debugf("command %s from %s", cmd.Verb(), origin)

	switch m := cmd.(type) {
	case command.TaskUpdate:
		c.handleTaskUpdate(m, origin)
	case command.SetSetting:
		c.handleSetSetting(m, origin)
	case command.DeleteJob:
		c.handleDeleteJob(m.JobCode, origin)
	case command.RestartTask:
		c.handleRestartTask(m, origin)
	case command.DisableTask:
		c.handleDisableTask(m, origin)
	case command.CollectJob:
		c.handleCollectJob(ctx, m, origin)
	case command.DeleteWarning:
		c.handleWarningTarget(m.Target, origin, func(s warn.Store) error { return s.Delete(m.Text) },
			command.DeleteWarning{Target: m.Target, Text: m.Text})
	case command.ClearWarnings:
		c.handleWarningTarget(m.Target, origin, func(s warn.Store) error { return s.Clear() },
			command.ClearWarnings{Target: m.Target})
	case command.ClearLog:
		c.handleClearLog(m, origin)
	case command.CheckConnection:
		// Liveness is heartbeat-mtime based; a ping carries no state.
	default:
		c.Log.Warnf("ignoring outbound-only command %s from %s", cmd.Verb(), origin)
	}
}

// handleTaskUpdate applies a slave's status report. Terminal tasks are
// immutable, and a rendering report from a slave that no longer owns the
// task is stale and rejected.
func (c *Coordinator) handleTaskUpdate(m command.TaskUpdate, origin string) {
	j, err := c.Jobs.Load(m.JobCode)
	if err != nil {
		c.Log.Warnf("taskUpdate from %s for unknown job %s", origin, m.JobCode)
		return
	}
	t, ok := j.Tasks[m.TaskName]
	if !ok {
		c.Log.Warnf("taskUpdate from %s for unknown task %s/%s", origin, m.JobCode, m.TaskName)
		return
	}
	if t.Status == job.StatusFinished || t.Status == job.StatusDisabled {
		c.Log.Warnf("rejecting taskUpdate from %s: task %s/%s is %s", origin, m.JobCode, m.TaskName, t.Status)
		return
	}
	to := job.TaskStatus(m.Status)
	if to == job.StatusRendering && t.Slave != job.Unassigned && t.Slave != m.Slave {
		c.Log.Warnf("rejecting stale taskUpdate from %s: task %s/%s belongs to %s", origin, m.JobCode, m.TaskName, t.Slave)
		return
	}
	if to == t.Status {
		return // duplicate delivery
	}
	if !job.ValidTransition(t.Status, to) {
		c.Log.Warnf("rejecting taskUpdate from %s: %s/%s cannot go %s -> %s", origin, m.JobCode, m.TaskName, t.Status, to)
		return
	}

	_, _, err = c.Jobs.Transition(m.JobCode, m.TaskName, to, func(t *job.Task) {
		if to == job.StatusReady {
			*t = t.Reset()
			return
		}
		t.Slave = m.Slave
		t.Elapsed = m.Elapsed
		if m.Start != "" {
			t.Start = m.Start
		}
		t.End = m.End
	})
	if err != nil {
		c.Log.Errorf("applying taskUpdate %s/%s: %v", m.JobCode, m.TaskName, err)
		return
	}

	key := m.JobCode + "/" + m.TaskName
	switch to {
	case job.StatusRendering:
		c.State.RenderingTasks[key] = m.Slave
	default:
		delete(c.State.RenderingTasks, key)
	}

	if to == job.StatusFinished {
		c.Log.Infof("task %s of job %s finished on %s (%s)", m.TaskName, m.JobCode, m.Slave, m.Elapsed)
		if m.OutputCount > 0 {
			c.State.CollectTasks = append(c.State.CollectTasks, collectEntry{
				JobCode:  m.JobCode,
				Slave:    m.Slave,
				Expected: m.OutputCount,
			})
		}
		c.archiveIfComplete(m.JobCode)
	}
	if to == job.StatusError {
		c.Log.Warnf("task %s of job %s failed on %s", m.TaskName, m.JobCode, m.Slave)
	}
}

// handleSetSetting writes a settings key. Slave settings are owned by the
// slave's own process, so those are relayed, not applied here.
func (c *Coordinator) handleSetSetting(m command.SetSetting, origin string) {
	switch m.TargetType {
	case "Slave":
		if _, ok := c.findSlave(m.TargetName); !ok {
			c.Log.Warnf("setSetting from %s for unknown slave %s", origin, m.TargetName)
			return
		}
		if err := c.slaveIn(m.TargetName).Send(m); err != nil {
			c.Log.Errorf("relaying setSetting to %s: %v", m.TargetName, err)
		}
	case "Coordinator":
		if !allowedCoordinatorKey(m.Key) {
			c.Log.Warnf("rejecting setSetting from %s: key %q not settable", origin, m.Key)
			return
		}
		if err := config.Set(c.Root.CoordinatorSettings(), "settings", m.Key, m.Value); err != nil {
			c.Log.Errorf("applying setSetting %s: %v", m.Key, err)
		}
	case "Job":
		if !c.Jobs.Exists(m.TargetName) {
			c.Log.Warnf("setSetting from %s for unknown job %s", origin, m.TargetName)
			return
		}
		if err := config.Set(c.Root.JobConfig(m.TargetName), job.SectionGlobals, m.Key, m.Value); err != nil {
			c.Log.Errorf("applying job setting %s/%s: %v", m.TargetName, m.Key, err)
			return
		}
		if m.Key == "priority" {
			c.reindexPriority(m.TargetName)
		}
	default:
		c.Log.Warnf("setSetting from %s with unknown target type %q", origin, m.TargetType)
	}
}

func allowedCoordinatorKey(key string) bool {
	switch key {
	case "coordUpdateTime", "debugMode", "localMode", "notifySlaveInterval", "restartGDrive", "command", "enabled":
		return true
	}
	return false
}

func (c *Coordinator) reindexPriority(code string) {
	j, err := c.Jobs.Load(code)
	if err != nil {
		return
	}
	entries, err := c.Index.Ordered()
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.JobCode == code {
			c.Index.Set(code, j.Priority, e.SubmitUnix)
			return
		}
	}
}

// handleDeleteJob removes the job from the index and repository, then
// best-effort cleans every mirror and tells the slaves to do the same.
func (c *Coordinator) handleDeleteJob(code, origin string) {
	if !c.Jobs.Exists(code) {
		c.Log.Warnf("deleteJob from %s for unknown job %s", origin, code)
		return
	}
	c.archiveJob(code, "deleted")
	if err := c.Index.Remove(code); err != nil {
		c.Log.Errorf("removing %s from priority index: %v", code, err)
	}
	if err := c.Jobs.Delete(code); err != nil {
		c.Log.Errorf("deleting job %s: %v", code, err)
		return
	}

	slaves, _ := c.Root.ListSlaves()
	for _, name := range slaves {
		os.RemoveAll(c.Root.SlaveAssignedJob(name, code))
		os.RemoveAll(filepath.Join(c.Root.SlaveOutput(name), code))
		if err := c.slaveIn(name).Send(command.DeleteJob{JobCode: code}); err != nil {
			c.Log.Warnf("forwarding deleteJob to %s: %v", name, err)
		}
	}
	workstations, _ := c.Root.ListWorkstations()
	for _, ws := range workstations {
		os.RemoveAll(filepath.Join(c.Root.WorkstationRenderOutput(ws), code))
	}
	c.pruneStatusMirror()

	for key := range c.State.RenderingTasks {
		if strings.HasPrefix(key, code+"/") {
			delete(c.State.RenderingTasks, key)
		}
	}
	kept := c.State.CollectTasks[:0]
	for _, e := range c.State.CollectTasks {
		if e.JobCode != code {
			kept = append(kept, e)
		}
	}
	c.State.CollectTasks = kept

	c.Log.Infof("deleted job %s (requested by %s)", code, origin)
}

// handleRestartTask forces a task back to ready from any state, canceling
// it on the holding slave first.
func (c *Coordinator) handleRestartTask(m command.RestartTask, origin string) {
	j, err := c.Jobs.Load(m.JobCode)
	if err != nil {
		c.Log.Warnf("restartTask from %s for unknown job %s", origin, m.JobCode)
		return
	}
	t, ok := j.Tasks[m.TaskName]
	if !ok {
		c.Log.Warnf("restartTask from %s for unknown task %s/%s", origin, m.JobCode, m.TaskName)
		return
	}
	if t.Status == job.StatusReady {
		return
	}
	if (t.Status == job.StatusAssigned || t.Status == job.StatusRendering) &&
		t.Slave != "" && t.Slave != job.Unassigned {
		if err := c.slaveIn(t.Slave).Send(command.CancelTask{JobCode: m.JobCode, TaskName: m.TaskName}); err != nil {
			c.Log.Errorf("canceling task on %s: %v", t.Slave, err)
		}
	}
	if _, _, err := c.Jobs.Transition(m.JobCode, m.TaskName, job.StatusReady, func(t *job.Task) {
		*t = t.Reset()
	}); err != nil {
		c.Log.Errorf("restarting task %s/%s: %v", m.JobCode, m.TaskName, err)
		return
	}
	delete(c.State.RenderingTasks, m.JobCode+"/"+m.TaskName)
	c.Log.Infof("restarted task %s of job %s (requested by %s)", m.TaskName, m.JobCode, origin)
}

// handleDisableTask toggles a task between disabled and ready. Disabling a
// finished task is a no-op.
func (c *Coordinator) handleDisableTask(m command.DisableTask, origin string) {
	j, err := c.Jobs.Load(m.JobCode)
	if err != nil {
		c.Log.Warnf("disableTask from %s for unknown job %s", origin, m.JobCode)
		return
	}
	t, ok := j.Tasks[m.TaskName]
	if !ok {
		c.Log.Warnf("disableTask from %s for unknown task %s/%s", origin, m.JobCode, m.TaskName)
		return
	}
	if m.Enable {
		if t.Status != job.StatusDisabled {
			return
		}
		if _, _, err := c.Jobs.Transition(m.JobCode, m.TaskName, job.StatusReady, func(t *job.Task) {
			*t = t.Reset()
		}); err != nil {
			c.Log.Errorf("enabling task %s/%s: %v", m.JobCode, m.TaskName, err)
		}
		return
	}
	if t.Status == job.StatusFinished || t.Status == job.StatusDisabled || t.Status == job.StatusError {
		return
	}
	if (t.Status == job.StatusAssigned || t.Status == job.StatusRendering) &&
		t.Slave != "" && t.Slave != job.Unassigned {
		if err := c.slaveIn(t.Slave).Send(command.CancelTask{JobCode: m.JobCode, TaskName: m.TaskName}); err != nil {
			c.Log.Errorf("canceling task on %s: %v", t.Slave, err)
		}
	}
	if _, _, err := c.Jobs.Transition(m.JobCode, m.TaskName, job.StatusDisabled, nil); err != nil {
		c.Log.Errorf("disabling task %s/%s: %v", m.JobCode, m.TaskName, err)
		return
	}
	delete(c.State.RenderingTasks, m.JobCode+"/"+m.TaskName)
	c.Log.Infof("disabled task %s of job %s (requested by %s)", m.TaskName, m.JobCode, origin)
}

// handleWarningTarget applies a warnings mutation locally for the
// coordinator, or relays it to the owning slave.
func (c *Coordinator) handleWarningTarget(target, origin string, apply func(warn.Store) error, relay command.Command) {
	if target == "Coordinator" || target == "" {
		if err := apply(c.Warnings); err != nil {
			c.Log.Errorf("mutating coordinator warnings: %v", err)
		}
		return
	}
	if _, ok := c.findSlave(target); !ok {
		c.Log.Warnf("warning command from %s for unknown target %s", origin, target)
		return
	}
	if err := c.slaveIn(target).Send(relay); err != nil {
		c.Log.Errorf("relaying warning command to %s: %v", target, err)
	}
}

func (c *Coordinator) handleClearLog(m command.ClearLog, origin string) {
	if m.Target == "Coordinator" || m.Target == "" {
		if err := os.Truncate(c.Root.CoordinatorLog(c.Host), 0); err != nil && !os.IsNotExist(err) {
			c.Log.Errorf("clearing coordinator log: %v", err)
		}
		return
	}
	if _, ok := c.findSlave(m.Target); !ok {
		c.Log.Warnf("clearLog from %s for unknown target %s", origin, m.Target)
		return
	}
	if err := c.slaveIn(m.Target).Send(m); err != nil {
		c.Log.Errorf("relaying clearLog to %s: %v", m.Target, err)
	}
}

// archiveIfComplete records a job in the history archive the moment its
// last task finishes. Deletion later records a second disposition only if
// the job never completed.
func (c *Coordinator) archiveIfComplete(code string) {
	j, err := c.Jobs.Load(code)
	if err != nil || !j.AllFinished() {
		return
	}
	c.Log.Infof("job %s (%s) fully finished", code, j.Name)
	c.archiveRecord(j, "finished")
}

func (c *Coordinator) archiveJob(code, disposition string) {
	j, err := c.Jobs.Load(code)
	if err != nil {
		return
	}
	if j.AllFinished() {
		// Already archived as finished when the last task reported in.
		return
	}
	c.archiveRecord(j, disposition)
}

func (c *Coordinator) archiveRecord(j *job.Job, disposition string) {
	if c.History == nil {
		return
	}
	err := c.History.Add(history.Record{
		JobCode:     j.Code,
		JobName:     j.Name,
		ProjectName: j.ProjectName,
		UserName:    j.UserName,
		Program:     j.Program,
		FrameRange:  j.FrameRange,
		TaskCount:   len(j.Tasks),
		Disposition: disposition,
		SubmittedAt: j.SubmitDate,
	})
	if err != nil {
		c.Log.Errorf("archiving job %s: %v", j.Code, err)
	}
}
