package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prism-pipeline/pandora/pkg/command"
	"github.com/prism-pipeline/pandora/pkg/config"
	"github.com/prism-pipeline/pandora/pkg/retry"
)

// checkCollectTasks copies finished-task output once everything the slave
// reported is physically visible. On synced repositories the report can
// arrive cycles before the files do; entries wait until the counts match.
func (c *Coordinator) checkCollectTasks(ctx context.Context) {
	var kept []collectEntry
	for _, e := range c.State.CollectTasks {
		if !c.Jobs.Exists(e.JobCode) {
			continue
		}
		srcDir := filepath.Join(c.Root.SlaveOutput(e.Slave), e.JobCode)
		if countFiles(srcDir) < e.Expected {
			kept = append(kept, e)
			continue
		}
		if copied, err := c.collectOutput(ctx, e.JobCode, e.Slave); err != nil {
			c.Log.Errorf("collecting output of job %s from %s: %v", e.JobCode, e.Slave, err)
			kept = append(kept, e)
		} else {
			c.Log.Infof("collected %d output files of job %s from %s", copied, e.JobCode, e.Slave)
		}
	}
	c.State.CollectTasks = kept
}

// handleCollectJob performs the collection synchronously for every slave
// holding output of the job, and reports a summary.
func (c *Coordinator) handleCollectJob(ctx context.Context, m command.CollectJob, origin string) {
	if !c.Jobs.Exists(m.JobCode) {
		c.Log.Warnf("collectJob from %s for unknown job %s", origin, m.JobCode)
		return
	}
	slaves, err := c.Root.ListSlaves()
	if err != nil {
		c.Log.Errorf("listing slaves for collection: %v", err)
		return
	}
	total := 0
	for _, name := range slaves {
		copied, err := c.collectOutput(ctx, m.JobCode, name)
		if err != nil {
			c.Log.Errorf("collecting job %s from %s: %v", m.JobCode, name, err)
			continue
		}
		total += copied
	}
	c.Log.Infof("collectJob %s: %d files collected (requested by %s)", m.JobCode, total, origin)
}

// collectOutput mirrors one slave's output of one job into the submitting
// workstation's RenderOutput area and, if configured, the job's outputPath.
func (c *Coordinator) collectOutput(ctx context.Context, code, slave string) (int, error) {
	srcDir := filepath.Join(c.Root.SlaveOutput(slave), code)
	if _, err := os.Stat(srcDir); os.IsNotExist(err) {
		return 0, nil
	}
	j, err := c.Jobs.Load(code)
	if err != nil {
		return 0, err
	}

	dests := []string{}
	if j.SubmitWS != "" {
		dests = append(dests, filepath.Join(c.Root.WorkstationRenderOutput(j.SubmitWS), code))
	}
	if j.UploadOutput && j.OutputPath != "" {
		dests = append(dests, j.OutputPath)
	}
	if len(dests) == 0 {
		return 0, fmt.Errorf("job %s has no collection destination", code)
	}

	copied := 0
	err = filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		for _, dest := range dests {
			target := filepath.Join(dest, rel)
			srcInfo, err := os.Stat(path)
			if err != nil {
				return err
			}
			if dstInfo, err := os.Stat(target); err == nil && dstInfo.ModTime().Equal(srcInfo.ModTime()) {
				continue // already collected
			}
			if err := retry.Do(ctx, retry.DefaultConfig(), func() error {
				return copyFile(path, target)
			}); err != nil {
				return err
			}
			copied++
		}
		return nil
	})
	return copied, err
}

// searchUncollectedRenders is the maintenance action behind the old
// free-text command backdoor: it sweeps every slave Output area for job
// output that was never collected and queues it.
func (c *Coordinator) searchUncollectedRenders() {
	slaves, err := c.Root.ListSlaves()
	if err != nil {
		return
	}
	found := 0
	for _, name := range slaves {
		entries, err := os.ReadDir(c.Root.SlaveOutput(name))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || !c.Jobs.Exists(e.Name()) {
				continue
			}
			n := countFiles(filepath.Join(c.Root.SlaveOutput(name), e.Name()))
			if n == 0 {
				continue
			}
			c.State.CollectTasks = append(c.State.CollectTasks, collectEntry{
				JobCode:  e.Name(),
				Slave:    name,
				Expected: n,
			})
			found++
		}
	}
	c.Log.Infof("searchUncollectedRenders queued %d collection entries", found)
}

// runMaintenance executes at most one pending allow-listed maintenance
// action per cycle, then clears the request key. Unknown actions are
// rejected; there is no arbitrary-command path.
func (c *Coordinator) runMaintenance() {
	action := c.settings.Command
	if action == "" {
		return
	}
	switch action {
	case "searchUncollectedRenders":
		c.searchUncollectedRenders()
	case "restartSyncClient":
		c.restartSyncClient()
	default:
		c.Log.Warnf("rejecting unknown maintenance action %q", action)
	}
	if err := config.Set(c.Root.CoordinatorSettings(), "settings", "command", ""); err != nil {
		c.Log.Errorf("clearing maintenance action: %v", err)
	}
	c.settings.Command = ""
}
