package coordinator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prism-pipeline/pandora/pkg/config"
	"github.com/prism-pipeline/pandora/pkg/job"
	"github.com/prism-pipeline/pandora/pkg/mailbox"
	"github.com/prism-pipeline/pandora/pkg/retry"
)

// getJobAssignments drains every workstation's command mailbox and ingests
// fully staged submissions into the repository.
func (c *Coordinator) getJobAssignments(ctx context.Context) {
	workstations, err := c.Root.ListWorkstations()
	if err != nil {
		c.Log.Errorf("listing workstations: %v", err)
		return
	}
	for _, ws := range workstations {
		ch := mailbox.New(c.Root.WorkstationCommands(ws), mailbox.PrefixHandlerOut)
		msgs, err := ch.Drain(func(file string, derr error) {
			c.Log.Errorf("workstation %s: dropping command %s: %v", ws, file, derr)
		})
		if err != nil {
			c.Log.Errorf("draining workstation %s commands: %v", ws, err)
		}
		for _, m := range msgs {
			c.handleCmd(ctx, m.Command, "workstation "+ws)
		}

		c.ingestSubmissions(ctx, ws)
	}
}

// ingestSubmissions moves each fully staged submission of a workstation
// into Jobs/ under a fresh job code and registers it in the priority index.
func (c *Coordinator) ingestSubmissions(ctx context.Context, ws string) {
	subDir := c.Root.WorkstationSubmissions(ws)
	entries, err := os.ReadDir(subDir)
	if err != nil {
		if !os.IsNotExist(err) {
			c.Log.Errorf("listing submissions of %s: %v", ws, err)
		}
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(subDir, e.Name())
		cfgPath := filepath.Join(dir, "PandoraJob.json")
		doc, err := config.Read(cfgPath)
		if err != nil {
			c.Log.Warnf("submission %s/%s unreadable: %v", ws, e.Name(), err)
			continue
		}
		j, err := job.Parse(e.Name(), doc)
		if err != nil {
			c.Log.Warnf("submission %s/%s invalid: %v", ws, e.Name(), err)
			continue
		}
		if !c.submissionStaged(dir, j) {
			// Still uploading; retried next cycle.
			continue
		}

		code := c.freshJobCode()
		j.Code = code
		j.SubmitWS = ws
		if j.SubmitDate == "" {
			j.SubmitDate = time.Now().Format(job.TimeFormat)
		}

		if err := moveDir(ctx, dir, c.Root.JobDir(code)); err != nil {
			c.Log.Errorf("ingesting submission %s/%s: %v", ws, e.Name(), err)
			continue
		}
		// Rewrite identity fields on the authoritative copy.
		if err := config.SetBatch(c.Root.JobConfig(code), []config.Entry{
			{Section: job.SectionInformation, Key: "jobCode", Value: code},
			{Section: job.SectionInformation, Key: "submitWorkstation", Value: ws},
			{Section: job.SectionInformation, Key: "submitDate", Value: j.SubmitDate},
		}); err != nil {
			c.Log.Errorf("finalizing job %s: %v", code, err)
		}

		submitUnix := time.Now().Unix()
		if ts, err := time.ParseInLocation(job.TimeFormat, j.SubmitDate, time.Local); err == nil {
			submitUnix = ts.Unix()
		}
		if err := c.Index.Set(code, j.Priority, submitUnix); err != nil {
			c.Log.Errorf("registering job %s in priority index: %v", code, err)
		}
		c.Log.Infof("ingested job %s (%s) from %s, priority %d, %d tasks",
			code, j.Name, ws, j.Priority, len(j.Tasks))
	}
}

// submissionStaged checks the declared fileCount against the files actually
// present, counting shared project assets that already exist centrally.
func (c *Coordinator) submissionStaged(dir string, j *job.Job) bool {
	count := countFiles(filepath.Join(dir, "JobFiles"))
	for _, a := range j.Assets {
		central := filepath.Join(c.Root.ProjectAssetsDir(j.ProjectName), a.RelPath)
		if fi, err := os.Stat(central); err == nil {
			if float64(fi.ModTime().Unix()) == a.MTime {
				count++
			}
		}
	}
	return count >= j.FileCount
}

func (c *Coordinator) freshJobCode() string {
	for {
		code := job.NewCode()
		if !c.Jobs.Exists(code) {
			return code
		}
	}
}

func countFiles(dir string) int {
	count := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			count++
		}
		return nil
	})
	return count
}

// moveDir renames when possible and falls back to copy+delete across
// filesystems (workstation areas may live on another mount).
func moveDir(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		return copyTree(src, dst)
	}); err != nil {
		return err
	}
	return os.RemoveAll(src)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// Preserve mtime; asset currency checks compare modification times.
	if fi, err := os.Stat(src); err == nil {
		os.Chtimes(dst, fi.ModTime(), fi.ModTime())
	}
	return nil
}
