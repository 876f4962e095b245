package coordinator

import (
	"os"
	"path/filepath"
)

// notifyWorkstations republishes the coordinator's log, settings and
// warnings plus per-job and per-slave state into the UI-readable status
// mirror, then prunes mirrored files whose source has disappeared.
func (c *Coordinator) notifyWorkstations() {
	statusDir := c.Root.StatusDir()
	for _, dir := range []string{statusDir, c.Root.StatusJobLogs(), c.Root.StatusSlaveLogs()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			c.Log.Errorf("creating status mirror: %v", err)
			return
		}
	}

	c.mirrorIfNewer(c.Root.CoordinatorLog(c.Host), filepath.Join(statusDir, "Coordinator_Log.txt"))
	c.mirrorIfNewer(c.Root.CoordinatorSettings(), filepath.Join(statusDir, "Coordinator_Settings.json"))
	c.mirrorIfNewer(c.Root.CoordinatorWarnings(c.Host), filepath.Join(statusDir, "Coordinator_Warnings.json"))

	codes, _ := c.Root.ListJobs()
	for _, code := range codes {
		c.mirrorIfNewer(c.Root.JobConfig(code), filepath.Join(c.Root.StatusJobLogs(), code+".json"))
	}
	slaves, _ := c.Root.ListSlaves()
	for _, name := range slaves {
		c.mirrorIfNewer(c.Root.SlaveLog(name), filepath.Join(c.Root.StatusSlaveLogs(), "slaveLog_"+name+".txt"))
		c.mirrorIfNewer(c.Root.SlaveWarnings(name), filepath.Join(c.Root.StatusSlaveLogs(), "slaveWarnings_"+name+".json"))
	}

	c.pruneStatusMirror()
}

func (c *Coordinator) mirrorIfNewer(src, dst string) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return
	}
	if dstInfo, err := os.Stat(dst); err == nil && !srcInfo.ModTime().After(dstInfo.ModTime()) {
		return
	}
	if err := copyFile(src, dst); err != nil {
		c.Log.Warnf("mirroring %s: %v", src, err)
	}
}

// pruneStatusMirror removes mirrored job and slave files no longer backed
// by a live source.
func (c *Coordinator) pruneStatusMirror() {
	entries, err := os.ReadDir(c.Root.StatusJobLogs())
	if err == nil {
		for _, e := range entries {
			code := e.Name()
			if ext := filepath.Ext(code); ext != "" {
				code = code[:len(code)-len(ext)]
			}
			if !c.Jobs.Exists(code) {
				os.Remove(filepath.Join(c.Root.StatusJobLogs(), e.Name()))
			}
		}
	}

	slaves, err := c.Root.ListSlaves()
	if err != nil {
		return
	}
	known := map[string]bool{}
	for _, name := range slaves {
		known["slaveLog_"+name+".txt"] = true
		known["slaveWarnings_"+name+".json"] = true
	}
	entries, err = os.ReadDir(c.Root.StatusSlaveLogs())
	if err != nil {
		return
	}
	for _, e := range entries {
		if !known[e.Name()] {
			os.Remove(filepath.Join(c.Root.StatusSlaveLogs(), e.Name()))
		}
	}
}
