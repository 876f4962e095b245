package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prism-pipeline/pandora/pkg/command"
	"github.com/prism-pipeline/pandora/pkg/config"
	"github.com/prism-pipeline/pandora/pkg/job"
)

// RenderSpec carries everything a renderer needs to produce a command line
// for one task.
type RenderSpec struct {
	JobCode    string
	JobName    string
	TaskName   string
	Program    string
	SceneFile  string
	StartFrame int
	EndFrame   int
	OutputDir  string
	Width      int
	Height     int
}

// Renderer builds the render command line for a task. The DCC-specific
// invocation logic lives behind this boundary.
type Renderer interface {
	CommandLine(spec RenderSpec) ([]string, error)
}

// ScriptRenderer delegates to a per-program wrapper script under
// <root>/Scripts/Renderers/, keeping application knowledge out of the
// agent. The script receives scene file, frame range and output directory
// as positional arguments.
type ScriptRenderer struct {
	ScriptsDir string
}

func (r ScriptRenderer) CommandLine(spec RenderSpec) ([]string, error) {
	if spec.Program == "" {
		return nil, fmt.Errorf("job %s declares no render program", spec.JobCode)
	}
	script := filepath.Join(r.ScriptsDir, strings.ToLower(spec.Program)+".sh")
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("no renderer script for program %q: %w", spec.Program, err)
	}
	return []string{
		"/bin/sh", script,
		spec.SceneFile,
		fmt.Sprint(spec.StartFrame),
		fmt.Sprint(spec.EndFrame),
		spec.OutputDir,
	}, nil
}

// errorMarkers classify a stderr/stdout line as a render failure even when
// the process exits zero.
var errorMarkers = []string{
	"Error:",
	"ERROR:",
	"FATAL",
	"Fatal Error",
	"could not open",
	"RuntimeError",
}

type renderProc struct {
	spec    RenderSpec
	cmd     *exec.Cmd
	started time.Time

	mu       sync.Mutex
	errLines int
	canceled bool
}

func (p *renderProc) kill() {
	p.mu.Lock()
	p.canceled = true
	p.mu.Unlock()
	if p.cmd.Process != nil {
		// Negative pid kills the whole process group; renderers fork.
		syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
		p.cmd.Process.Kill()
	}
}

type renderResult struct {
	proc *renderProc
	err  error
}

// startRender loads the local job copy, launches the render subprocess and
// reports the task as rendering. Two goroutines stream the process output
// so the agent's own poll timer keeps firing; a third waits for exit.
func (a *Agent) startRender(ctx context.Context, cmd command.RenderTask) error {
	jobDir := a.Root.SlaveAssignedJob(a.Name, cmd.JobCode)
	doc, err := config.Read(filepath.Join(jobDir, "PandoraJob.json"))
	if err != nil {
		return fmt.Errorf("reading local job copy: %w", err)
	}
	j, err := job.Parse(cmd.JobCode, doc)
	if err != nil {
		return err
	}
	t, ok := j.Tasks[cmd.TaskName]
	if !ok {
		return fmt.Errorf("local job copy has no task %s", cmd.TaskName)
	}

	outputDir := filepath.Join(a.Root.SlaveOutput(a.Name), cmd.JobCode, cmd.TaskName)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}
	spec := RenderSpec{
		JobCode:    cmd.JobCode,
		JobName:    j.Name,
		TaskName:   cmd.TaskName,
		Program:    j.Program,
		SceneFile:  filepath.Join(jobDir, "JobFiles", j.SceneName),
		StartFrame: t.StartFrame,
		EndFrame:   t.EndFrame,
		OutputDir:  outputDir,
		Width:      j.Width,
		Height:     j.Height,
	}
	argv, err := a.Renderer.CommandLine(spec)
	if err != nil {
		return err
	}

	proc := &renderProc{spec: spec, started: time.Now()}
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}
	proc.cmd = c

	key := taskKey(cmd.JobCode, cmd.TaskName)
	a.mu.Lock()
	a.running[key] = proc
	a.mu.Unlock()

	start := proc.started.Format(job.TimeFormat)
	if err := a.slaveOut().Send(command.TaskUpdate{
		JobCode:  cmd.JobCode,
		TaskName: cmd.TaskName,
		Status:   string(job.StatusRendering),
		Slave:    a.Name,
		Start:    start,
	}); err != nil {
		a.Log.Errorf("reporting task %s rendering: %v", key, err)
	}
	a.Log.Infof("rendering %s of job %s (%s), frames %d-%d",
		cmd.TaskName, cmd.JobCode, j.Name, t.StartFrame, t.EndFrame)

	go a.streamOutput(proc, stdout, "stdout")
	go a.streamOutput(proc, stderr, "stderr")
	go func() {
		err := c.Wait()
		a.done <- renderResult{proc: proc, err: err}
	}()
	return nil
}

// streamOutput forwards one process stream into the slave log and counts
// error-classified lines for the failure decision.
func (a *Agent) streamOutput(p *renderProc, r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		a.Log.Debugf("[%s/%s %s] %s", p.spec.JobCode, p.spec.TaskName, stream, line)
		for _, marker := range errorMarkers {
			if strings.Contains(line, marker) {
				p.mu.Lock()
				p.errLines++
				p.mu.Unlock()
				a.Log.Warnf("render %s/%s: %s", p.spec.JobCode, p.spec.TaskName, line)
				break
			}
		}
	}
}

// finishTask classifies the subprocess exit and reports the terminal
// status. Failure is nonzero exit with no output produced, or any
// error-classified output line. A canceled task is not reported; the
// coordinator already reset it.
func (a *Agent) finishTask(res renderResult) {
	p := res.proc
	key := taskKey(p.spec.JobCode, p.spec.TaskName)

	a.mu.Lock()
	delete(a.running, key)
	a.mu.Unlock()

	p.mu.Lock()
	canceled := p.canceled
	errLines := p.errLines
	p.mu.Unlock()
	if canceled {
		a.Log.Infof("render %s canceled", key)
		return
	}

	outputCount := countOutputFiles(p.spec.OutputDir)
	elapsed := time.Since(p.started).Round(time.Second)

	status := job.StatusFinished
	if (res.err != nil && outputCount == 0) || errLines > 0 {
		status = job.StatusError
	}

	update := command.TaskUpdate{
		JobCode:     p.spec.JobCode,
		TaskName:    p.spec.TaskName,
		Status:      string(status),
		Slave:       a.Name,
		Elapsed:     elapsed.String(),
		Start:       p.started.Format(job.TimeFormat),
		End:         time.Now().Format(job.TimeFormat),
		OutputCount: outputCount,
	}
	if err := a.slaveOut().Send(update); err != nil {
		a.Log.Errorf("reporting task %s %s: %v", key, status, err)
	}
	if status == job.StatusError {
		a.Log.Warnf("render %s failed after %s (exit err %v, %d error lines, %d output files)",
			key, elapsed, res.err, errLines, outputCount)
	} else {
		a.Log.Infof("render %s finished after %s, %d output files", key, elapsed, outputCount)
	}
}

func (a *Agent) cancelTask(jobCode, taskName string) {
	key := taskKey(jobCode, taskName)
	a.mu.Lock()
	p, ok := a.running[key]
	a.mu.Unlock()
	if !ok {
		// Duplicate or stale cancel; nothing to do.
		a.Log.Debugf("cancelTask for %s, not running", key)
		return
	}
	a.Log.Infof("canceling render %s", key)
	p.kill()
}

func (a *Agent) killAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, p := range a.running {
		a.Log.Infof("killing render %s on shutdown", key)
		p.kill()
		delete(a.running, key)
	}
}

func taskKey(jobCode, taskName string) string {
	return jobCode + "/" + taskName
}

func countOutputFiles(dir string) int {
	count := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			count++
		}
		return nil
	})
	return count
}
