package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var watchTarget string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the coordinator's log live",
	Long: `Tail the coordinator log as it is written. The coordinator mirrors its
log into the repository's status area every cycle, so this works from any
machine that can see the repository.

Example:
  pandora watch
  pandora watch --slave render03`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchTarget, "slave", "", "watch a slave's log instead of the coordinator's")
}

func runWatch(cmd *cobra.Command, args []string) error {
	root, err := farmRoot()
	if err != nil {
		return err
	}

	path, err := resolveWatchPath(root.StatusDir(), watchTarget)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	defer f.Close()

	// Print the current tail, then follow.
	if fi, err := f.Stat(); err == nil && fi.Size() > 4096 {
		f.Seek(-4096, io.SeekEnd)
	}
	io.Copy(os.Stdout, f)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	// Watch the directory, not the file: the mirror replaces the file on
	// update and a file watch dies with the old inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching log directory: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	fmt.Fprintf(os.Stderr, "\n--- following %s (Ctrl+C to stop) ---\n", path)

	offset, _ := f.Seek(0, io.SeekCurrent)
	for {
		select {
		case <-sigChan:
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			offset = dumpFrom(path, offset)
		}
	}
}

// dumpFrom prints everything after offset and returns the new offset. A
// shrunken file means the log was truncated or replaced; start over.
func dumpFrom(path string, offset int64) int64 {
	f, err := os.Open(path)
	if err != nil {
		return offset
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return offset
	}
	if fi.Size() < offset {
		offset = 0
	}
	f.Seek(offset, io.SeekStart)
	n, _ := io.Copy(os.Stdout, f)
	return offset + n
}

func resolveWatchPath(statusDir, slave string) (string, error) {
	if slave != "" {
		return filepath.Join(statusDir, "Logs", "Slaves", "slaveLog_"+slave+".txt"), nil
	}
	path := filepath.Join(statusDir, "Coordinator_Log.txt")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("no coordinator log found under %s (is the coordinator running?)", statusDir)
	}
	return path, nil
}
