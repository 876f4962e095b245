package coordinator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/prism-pipeline/pandora/pkg/command"
	"github.com/prism-pipeline/pandora/pkg/config"
	"github.com/prism-pipeline/pandora/pkg/job"
	"github.com/prism-pipeline/pandora/pkg/mailbox"
	"github.com/prism-pipeline/pandora/pkg/slavefarm"
)

// checkSlaves refreshes the registry snapshot, pushes software updates and
// drains every slave's outbound mailbox.
func (c *Coordinator) checkSlaves(ctx context.Context, now time.Time) {
	slaves, err := slavefarm.Scan(c.Root, now)
	if err != nil {
		c.Log.Errorf("scanning slaves: %v", err)
		return
	}
	c.slaves = slaves

	for _, s := range slaves {
		if err := config.EnsureDefaults(c.Root.SlaveSettings(s.Name), slavefarm.DefaultSettings()); err != nil {
			c.Log.Errorf("restoring defaults for slave %s: %v", s.Name, err)
		}
		if !s.LastContact.IsZero() {
			c.State.LastContact[s.Name] = s.LastContact
		}

		c.pushSlaveScripts(s.Name)

		out := mailbox.New(c.Root.SlaveComm(s.Name), mailbox.PrefixSlaveOut)
		msgs, err := out.Drain(func(file string, derr error) {
			c.Log.Errorf("slave %s: dropping message %s: %v", s.Name, file, derr)
		})
		if err != nil {
			c.Log.Errorf("draining slave %s: %v", s.Name, err)
			continue
		}
		for _, m := range msgs {
			c.handleCmd(ctx, m.Command, "slave "+s.Name)
		}
	}
}

// pushSlaveScripts copies newer files from the staging area into the
// slave's Scripts directory. The agent picks them up on its next restart.
func (c *Coordinator) pushSlaveScripts(name string) {
	src := c.Root.SlaveScriptSource()
	entries, err := os.ReadDir(src)
	if err != nil {
		return // no staging area, nothing to push
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		srcPath := filepath.Join(src, e.Name())
		dstPath := filepath.Join(c.Root.SlaveScripts(name), e.Name())
		srcInfo, err := os.Stat(srcPath)
		if err != nil {
			continue
		}
		dstInfo, err := os.Stat(dstPath)
		if err == nil && !srcInfo.ModTime().After(dstInfo.ModTime()) {
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			c.Log.Warnf("pushing %s to slave %s: %v", e.Name(), name, err)
		} else {
			c.Log.Infof("pushed updated %s to slave %s", e.Name(), name)
		}
	}
}

// writeActiveSlaves republishes the last-contact map for the UI.
func (c *Coordinator) writeActiveSlaves() {
	entries := make([]config.Entry, 0, len(c.State.LastContact))
	for name, contact := range c.State.LastContact {
		entries = append(entries, config.Entry{
			Section: "slaves",
			Key:     name,
			Value:   contact.Format(job.TimeFormat),
		})
	}
	if len(entries) == 0 {
		return
	}
	if err := config.SetBatch(c.Root.ActiveSlaves(), entries); err != nil {
		c.Log.Errorf("writing active slaves map: %v", err)
	}
}

// checkConnection restarts the sync client when the whole farm has gone
// quiet, which on synced repositories usually means the client died.
func (c *Coordinator) checkConnection(now time.Time) {
	anyActive := false
	for _, s := range c.slaves {
		if s.Active {
			anyActive = true
			break
		}
	}
	if anyActive {
		c.State.NoSlaveSince = time.Time{}
		return
	}
	if c.State.NoSlaveSince.IsZero() {
		c.State.NoSlaveSince = now
		return
	}
	if now.Sub(c.State.NoSlaveSince) < defaultConnCheck*time.Minute || !c.settings.RestartSyncClient {
		return
	}
	c.State.NoSlaveSince = now
	c.Log.Warnf("no slave active for %d minutes, restarting sync client", defaultConnCheck)
	c.restartSyncClient()
}

// restartSyncClient runs the operator-provided restart script, if any.
// Best effort: a failure is logged, never escalated.
func (c *Coordinator) restartSyncClient() {
	script := filepath.Join(c.Root.Path, "Scripts", "RestartSync.sh")
	if _, err := os.Stat(script); err != nil {
		c.Log.Warnf("sync client restart requested but %s is missing", script)
		return
	}
	if err := exec.Command("/bin/sh", script).Run(); err != nil {
		c.Log.Errorf("sync client restart failed: %v", err)
	}
}

// checkRenderingTasks reconciles believed-rendering tasks against each
// slave's own current-task list. A task its slave is not actually working
// on is an orphan (slave crash or restart) and goes back to ready.
func (c *Coordinator) checkRenderingTasks() {
	codes, err := c.Root.ListJobs()
	if err != nil {
		c.Log.Errorf("listing jobs: %v", err)
		return
	}
	seen := map[string]string{}
	for _, code := range codes {
		j, err := c.Jobs.Load(code)
		if err != nil {
			continue
		}
		for name, t := range j.Tasks {
			if t.Status != job.StatusRendering {
				continue
			}
			key := code + "/" + name
			seen[key] = t.Slave

			slave, known := c.findSlave(t.Slave)
			if !known || !slave.Active {
				// Liveness is handled by the timeout pass; an inactive
				// slave's curtasks list is stale, not evidence.
				continue
			}
			if slave.Holds(code, name) {
				continue
			}
			c.Log.Warnf("task %s of job %s orphaned by slave %s, resetting to ready", name, code, t.Slave)
			if _, _, err := c.Jobs.Transition(code, name, job.StatusReady, func(t *job.Task) {
				*t = t.Reset()
			}); err != nil {
				c.Log.Errorf("resetting orphaned task %s/%s: %v", code, name, err)
				continue
			}
			delete(seen, key)
			if c.Metrics != nil {
				c.Metrics.ReclaimedTotal.WithLabelValues("orphan").Inc()
			}
		}
	}
	c.State.RenderingTasks = seen
}

// getAvailableSlaves runs the timeout reclamation pass, then computes the
// set of active slaves with concurrency headroom.
func (c *Coordinator) getAvailableSlaves(now time.Time) []slavefarm.Available {
	excluded := c.reclaimTimedOut(now)

	// Count what each slave currently holds in the coordinator's books.
	holding := map[string]int{}
	codes, err := c.Root.ListJobs()
	if err != nil {
		c.Log.Errorf("listing jobs: %v", err)
		return nil
	}
	for _, code := range codes {
		j, err := c.Jobs.Load(code)
		if err != nil {
			continue
		}
		for _, t := range j.Tasks {
			if t.Status == job.StatusAssigned || t.Status == job.StatusRendering {
				holding[t.Slave]++
			}
		}
	}

	var available []slavefarm.Available
	for _, s := range c.slaves {
		if !s.Active || excluded[s.Name] || !s.Settings.Enabled {
			continue
		}
		cur := holding[s.Name]
		if cur >= s.Settings.MaxConcurrentTasks {
			continue
		}
		available = append(available, slavefarm.Available{
			Name:       s.Name,
			MaxTasks:   s.Settings.MaxConcurrentTasks,
			CurTaskNum: cur,
		})
	}
	return available
}

// reclaimTimedOut resets tasks stuck in assigned (fixed 15 min) or
// rendering (the job's taskTimeout) and cancels them on the holding slave.
// Returns the slaves excluded from this cycle's availability.
func (c *Coordinator) reclaimTimedOut(now time.Time) map[string]bool {
	excluded := map[string]bool{}
	codes, err := c.Root.ListJobs()
	if err != nil {
		return excluded
	}
	for _, code := range codes {
		j, err := c.Jobs.Load(code)
		if err != nil {
			continue
		}
		for name, t := range j.Tasks {
			var limit time.Duration
			switch t.Status {
			case job.StatusAssigned:
				limit = assignedTimeout
			case job.StatusRendering:
				limit = time.Duration(j.TaskTimeout) * time.Minute
			default:
				continue
			}
			started, ok := t.StartedAt()
			if !ok || now.Sub(started) <= limit {
				continue
			}

			holder := t.Slave
			c.Log.Warnf("task %s of job %s timed out on %s after %s (%s), resetting to ready",
				name, code, holder, now.Sub(started).Round(time.Second), t.Status)
			if holder != "" && holder != job.Unassigned {
				if err := c.slaveIn(holder).Send(command.CancelTask{JobCode: code, TaskName: name}); err != nil {
					c.Log.Errorf("sending cancelTask to %s: %v", holder, err)
				}
				excluded[holder] = true
			}
			if _, _, err := c.Jobs.Transition(code, name, job.StatusReady, func(t *job.Task) {
				*t = t.Reset()
			}); err != nil {
				c.Log.Errorf("resetting timed-out task %s/%s: %v", code, name, err)
				continue
			}
			delete(c.State.RenderingTasks, code+"/"+name)
			if c.Metrics != nil {
				c.Metrics.ReclaimedTotal.WithLabelValues("timeout").Inc()
			}
		}
	}
	return excluded
}

// notifySlaves pings every active slave, rate-limited. The pings double as
// a sync-path liveness probe on non-local repositories.
func (c *Coordinator) notifySlaves(now time.Time) {
	interval := time.Duration(c.settings.NotifySlaveInterval) * time.Minute
	if now.Sub(c.State.LastSlaveNotify) < interval {
		return
	}
	c.State.LastSlaveNotify = now
	for _, s := range c.slaves {
		if !s.Active {
			continue
		}
		if err := c.slaveIn(s.Name).Send(command.CheckConnection{}); err != nil {
			c.Log.Errorf("pinging slave %s: %v", s.Name, err)
		}
	}
}

// checkTvRequests relays remote-assistance screenshot requests dropped by
// workstations to the target slave. Best effort only.
func (c *Coordinator) checkTvRequests() {
	workstations, err := c.Root.ListWorkstations()
	if err != nil {
		return
	}
	for _, ws := range workstations {
		dir := c.Root.WorkstationCommands(ws)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasPrefix(e.Name(), "tvRequest_") {
				continue
			}
			target := strings.TrimSuffix(strings.TrimPrefix(e.Name(), "tvRequest_"), ".txt")
			src := filepath.Join(dir, e.Name())
			if _, ok := c.findSlave(target); !ok {
				os.Remove(src)
				continue
			}
			dst := filepath.Join(c.Root.SlaveComm(target), e.Name())
			if err := copyFile(src, dst); err != nil {
				c.Log.Warnf("relaying tv request to %s: %v", target, err)
			}
			os.Remove(src)
		}
	}
}
