package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/prism-pipeline/pandora/pkg/command"
	"github.com/prism-pipeline/pandora/pkg/job"
	"github.com/prism-pipeline/pandora/pkg/retry"
	"github.com/prism-pipeline/pandora/pkg/slavefarm"
)

// assignJobs walks the priority index in scheduling order and hands ready
// tasks to eligible slaves. Priority orders jobs only; tasks within a job
// always go in ascending task-name order.
func (c *Coordinator) assignJobs(ctx context.Context, available []slavefarm.Available, now time.Time) {
	entries, err := c.Index.Ordered()
	if err != nil {
		c.Log.Errorf("reading priority index: %v", err)
		return
	}

	// pool is mutated across jobs: a slave that reaches its global cap
	// disappears for the rest of the cycle.
	pool := make([]*slavefarm.Available, 0, len(available))
	for i := range available {
		pool = append(pool, &available[i])
	}

	for _, entry := range entries {
		if !c.Jobs.Exists(entry.JobCode) {
			// Stale index entry; drop it so the walk stays clean.
			c.Index.Remove(entry.JobCode)
			continue
		}
		j, err := c.Jobs.Load(entry.JobCode)
		if err != nil {
			c.Log.Warnf("skipping job %s: %v", entry.JobCode, err)
			continue
		}
		if !c.jobStaged(j) {
			continue
		}

		depSlaves, blocked := c.checkDependencies(j)
		if blocked != "" {
			c.State.BlockedBy[j.Code] = blocked
			continue
		}
		delete(c.State.BlockedBy, j.Code)

		jobSlaves := c.eligibleSlaves(j, pool, depSlaves)
		if len(jobSlaves) == 0 {
			continue // no capacity for this job, retried next cycle
		}

		jobCount := map[string]int{}
		for _, t := range j.Tasks {
			if (t.Status == job.StatusAssigned || t.Status == job.StatusRendering) && t.Slave != job.Unassigned {
				jobCount[t.Slave]++
			}
		}
		// The per-job cap applies on entry too, not only while assigning.
		jobSlaves = filterByJobCap(jobSlaves, jobCount, j.ConcurrentTasks)

		for _, taskName := range j.TaskNames() {
			t := j.Tasks[taskName]
			if t.Status != job.StatusReady {
				continue
			}
			if len(jobSlaves) == 0 {
				break
			}
			target := jobSlaves[0]

			if err := c.stageJobOnSlave(ctx, j, target.Name); err != nil {
				c.Log.Errorf("staging job %s on %s: %v", j.Code, target.Name, err)
				jobSlaves = jobSlaves[1:]
				continue
			}
			if err := c.slaveIn(target.Name).Send(command.RenderTask{
				JobCode:  j.Code,
				JobName:  j.Name,
				TaskName: taskName,
			}); err != nil {
				c.Log.Errorf("sending renderTask to %s: %v", target.Name, err)
				jobSlaves = jobSlaves[1:]
				continue
			}

			start := now.Format(job.TimeFormat)
			stored, changed, err := c.Jobs.Transition(j.Code, taskName, job.StatusAssigned, func(t *job.Task) {
				t.Slave = target.Name
				t.Start = start
				t.End = ""
				t.Elapsed = ""
			})
			if err != nil || !changed {
				c.Log.Errorf("persisting assignment of %s/%s: %v", j.Code, taskName, err)
				continue
			}
			j.Tasks[taskName] = stored
			c.Log.Infof("assigned task %s of job %s (%s) to %s", taskName, j.Code, j.Name, target.Name)
			if c.Metrics != nil {
				c.Metrics.AssignmentsTotal.Inc()
			}

			target.CurTaskNum++
			jobCount[target.Name]++
			if jobCount[target.Name] >= j.ConcurrentTasks || target.CurTaskNum >= target.MaxTasks {
				jobSlaves = removeSlave(jobSlaves, target.Name)
			}
			if target.CurTaskNum >= target.MaxTasks {
				for i, p := range pool {
					if p.Name == target.Name {
						pool = append(pool[:i], pool[i+1:]...)
						break
					}
				}
			}
		}
	}
}

// jobStaged reports whether enough of the job's files are physically
// present to render. Jobs relying on shared assets pass on declaration.
func (c *Coordinator) jobStaged(j *job.Job) bool {
	if j.Name == "" || j.SceneName == "" || j.FileCount == 0 {
		c.Log.Warnf("job %s is missing required fields, skipping", j.Code)
		return false
	}
	files := countFiles(c.Root.JobFilesDir(j.Code))
	if files < j.FileCount && len(j.Assets) == 0 {
		return false
	}
	return true
}

// checkDependencies verifies every dependency job is fully finished.
// Returns the set of slaves that rendered the dependencies (used to bias
// slave choice so downstream tasks land where the caches are), or the code
// of the blocking dependency.
func (c *Coordinator) checkDependencies(j *job.Job) (map[string]bool, string) {
	if len(j.Dependencies) == 0 {
		return nil, ""
	}
	depSlaves := map[string]bool{}
	for _, depCode := range j.Dependencies {
		if !c.Jobs.Exists(depCode) {
			return nil, depCode
		}
		dep, err := c.Jobs.Load(depCode)
		if err != nil || len(dep.Tasks) == 0 {
			return nil, depCode
		}
		if !dep.AllFinished() {
			return nil, depCode
		}
		for _, t := range dep.Tasks {
			if t.Slave != "" && t.Slave != job.Unassigned {
				depSlaves[t.Slave] = true
			}
		}
	}
	return depSlaves, ""
}

// eligibleSlaves filters the pool by the job's listSlaves expression and
// the dependency-derived restriction.
func (c *Coordinator) eligibleSlaves(j *job.Job, pool []*slavefarm.Available, depSlaves map[string]bool) []*slavefarm.Available {
	var out []*slavefarm.Available
	for _, a := range pool {
		s, ok := c.findSlave(a.Name)
		if !ok {
			continue
		}
		if !slavefarm.MatchesList(j.ListSlaves, s) {
			continue
		}
		if len(depSlaves) > 0 && !depSlaves[a.Name] {
			continue
		}
		out = append(out, a)
	}
	return out
}

func filterByJobCap(slaves []*slavefarm.Available, jobCount map[string]int, maxPerJob int) []*slavefarm.Available {
	var out []*slavefarm.Available
	for _, s := range slaves {
		if jobCount[s.Name] < maxPerJob {
			out = append(out, s)
		}
	}
	return out
}

func removeSlave(slaves []*slavefarm.Available, name string) []*slavefarm.Available {
	for i, s := range slaves {
		if s.Name == name {
			return append(slaves[:i], slaves[i+1:]...)
		}
	}
	return slaves
}

// stageJobOnSlave mirrors the job directory and any required shared assets
// into the slave's AssignedJobs area. Assets already present with a
// matching mtime are skipped; equality is mtime-based, not content-based.
func (c *Coordinator) stageJobOnSlave(ctx context.Context, j *job.Job, slave string) error {
	dst := c.Root.SlaveAssignedJob(slave, j.Code)
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		if err := retry.Do(ctx, retry.DefaultConfig(), func() error {
			return copyTree(c.Root.JobDir(j.Code), dst)
		}); err != nil {
			return err
		}
	}
	for _, a := range j.Assets {
		src := filepath.Join(c.Root.ProjectAssetsDir(j.ProjectName), a.RelPath)
		target := filepath.Join(dst, "JobFiles", filepath.Base(a.RelPath))
		srcInfo, err := os.Stat(src)
		if err != nil {
			c.Log.Warnf("asset %s of job %s missing centrally: %v", a.RelPath, j.Code, err)
			continue
		}
		if dstInfo, err := os.Stat(target); err == nil && dstInfo.ModTime().Equal(srcInfo.ModTime()) {
			continue
		}
		if err := retry.Do(ctx, retry.DefaultConfig(), func() error {
			return copyFile(src, target)
		}); err != nil {
			return err
		}
	}
	return nil
}
