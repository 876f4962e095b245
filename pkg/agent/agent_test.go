package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prism-pipeline/pandora/pkg/command"
	"github.com/prism-pipeline/pandora/pkg/config"
	"github.com/prism-pipeline/pandora/pkg/job"
	"github.com/prism-pipeline/pandora/pkg/logging"
	"github.com/prism-pipeline/pandora/pkg/mailbox"
	"github.com/prism-pipeline/pandora/pkg/repo"
	"github.com/prism-pipeline/pandora/pkg/slavefarm"
)

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	root := repo.New(t.TempDir())
	log := logging.New("test", logging.ERROR, false)
	a, err := New(root, "render01", log, ScriptRenderer{ScriptsDir: filepath.Join(root.Path, "Scripts", "Renderers")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func drainSlaveOut(t *testing.T, a *Agent) []mailbox.Message {
	t.Helper()
	msgs, err := a.slaveOut().Drain(nil)
	if err != nil {
		t.Fatalf("draining slaveOut: %v", err)
	}
	return msgs
}

func enabledSettings() slavefarm.Settings {
	return slavefarm.Settings{
		Enabled:            true,
		MaxConcurrentTasks: 2,
	}
}

func TestDeclineReason(t *testing.T) {
	a := newTestAgent(t)

	tests := []struct {
		name   string
		mutate func(*slavefarm.Settings)
		setup  func()
		want   string
	}{
		{"accepts by default", func(s *slavefarm.Settings) {}, nil, ""},
		{"disabled", func(s *slavefarm.Settings) { s.Enabled = false }, nil, "slave disabled"},
		{"paused", func(s *slavefarm.Settings) { s.Paused = true }, nil, "slave paused"},
		{"rest period", func(s *slavefarm.Settings) {
			s.Rest = slavefarm.RestPeriod{Enabled: true, StartHour: 0, EndHour: 24}
		}, nil, "inside rest period"},
		{"concurrency cap", func(s *slavefarm.Settings) { s.MaxConcurrentTasks = 1 }, func() {
			a.running["x/task0000"] = &renderProc{}
		}, "concurrency cap reached"},
		{"cursor activity", func(s *slavefarm.Settings) { s.CursorCheck = true }, func() {
			a.Cursor = func() bool { return true }
		}, "user activity detected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a.running = map[string]*renderProc{}
			a.Cursor = func() bool { return false }
			if tt.setup != nil {
				tt.setup()
			}
			settings := enabledSettings()
			tt.mutate(&settings)
			if got := a.declineReason(settings); got != tt.want {
				t.Errorf("declineReason = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStaleRenderTaskReturned(t *testing.T) {
	a := newTestAgent(t)

	m := mailbox.Message{
		Command: command.RenderTask{JobCode: "aaaaaaaaaa", TaskName: "task0000"},
		Sent:    time.Now().Add(-staleCommandAge - time.Minute),
	}
	a.handleRenderTask(context.Background(), m, m.Command.(command.RenderTask), enabledSettings())

	msgs := drainSlaveOut(t, a)
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	u, ok := msgs[0].Command.(command.TaskUpdate)
	if !ok || u.Status != string(job.StatusReady) || u.Slave != job.Unassigned {
		t.Errorf("sent %#v, want a ready hand-back", msgs[0].Command)
	}
}

func TestDuplicateRenderTaskDropped(t *testing.T) {
	a := newTestAgent(t)
	a.running[taskKey("aaaaaaaaaa", "task0000")] = &renderProc{
		spec: RenderSpec{JobCode: "aaaaaaaaaa", TaskName: "task0000"},
	}

	// At capacity the decline path must not hand our own in-flight task
	// back as ready; a stale duplicate must not either.
	settings := enabledSettings()
	settings.MaxConcurrentTasks = 1
	for _, sent := range []time.Time{
		time.Now(),
		time.Now().Add(-staleCommandAge - time.Minute),
	} {
		m := mailbox.Message{
			Command: command.RenderTask{JobCode: "aaaaaaaaaa", TaskName: "task0000"},
			Sent:    sent,
		}
		a.handleRenderTask(context.Background(), m, m.Command.(command.RenderTask), settings)
	}

	if msgs := drainSlaveOut(t, a); len(msgs) != 0 {
		t.Errorf("duplicate delivery produced %d messages, want none: %#v", len(msgs), msgs[0].Command)
	}
	if _, ok := a.running[taskKey("aaaaaaaaaa", "task0000")]; !ok {
		t.Error("running task dropped from tracking")
	}
}

func TestDeclinedRenderTaskReturned(t *testing.T) {
	a := newTestAgent(t)

	settings := enabledSettings()
	settings.Paused = true
	m := mailbox.Message{
		Command: command.RenderTask{JobCode: "aaaaaaaaaa", TaskName: "task0000"},
		Sent:    time.Now(),
	}
	a.handleRenderTask(context.Background(), m, m.Command.(command.RenderTask), settings)

	msgs := drainSlaveOut(t, a)
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	u, ok := msgs[0].Command.(command.TaskUpdate)
	if !ok || u.Status != string(job.StatusReady) {
		t.Errorf("sent %#v, want a ready hand-back", msgs[0].Command)
	}
}

func TestHandleSetSettingAppliesOwnOnly(t *testing.T) {
	a := newTestAgent(t)

	a.handleCmd(context.Background(), mailbox.Message{Command: command.SetSetting{
		TargetType: "Slave", TargetName: "render01", Key: "paused", Value: true,
	}}, enabledSettings())
	val, ok, err := config.Get(a.Root.SlaveSettings("render01"), slavefarm.SectionSettings, "paused")
	if err != nil || !ok || val != true {
		t.Errorf("own setting not applied: %v (ok=%v err=%v)", val, ok, err)
	}

	a.handleCmd(context.Background(), mailbox.Message{Command: command.SetSetting{
		TargetType: "Slave", TargetName: "render02", Key: "paused", Value: false,
	}}, enabledSettings())
	val, _, _ = config.Get(a.Root.SlaveSettings("render01"), slavefarm.SectionSettings, "paused")
	if val != true {
		t.Error("setting addressed to another slave was applied")
	}
}

func TestHandleExitSlave(t *testing.T) {
	a := newTestAgent(t)

	a.handleCmd(context.Background(), mailbox.Message{Command: command.ExitSlave{}}, enabledSettings())

	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if !stopped {
		t.Error("exitSlave did not stop the agent")
	}
}

func TestApplySettingsCommand(t *testing.T) {
	a := newTestAgent(t)
	path := a.Root.SlaveSettings(a.Name)

	if err := config.Set(path, slavefarm.SectionSettings, "command", "exit"); err != nil {
		t.Fatal(err)
	}
	a.applySettingsCommand("exit")

	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if !stopped {
		t.Error("exit command did not stop the agent")
	}
	val, ok, err := config.Get(path, slavefarm.SectionSettings, "command")
	if err != nil || !ok || val != "" {
		t.Errorf("command key not cleared: %v (ok=%v err=%v)", val, ok, err)
	}
}

func TestApplySettingsCommandUnknownIsCleared(t *testing.T) {
	a := newTestAgent(t)
	path := a.Root.SlaveSettings(a.Name)

	if err := config.Set(path, slavefarm.SectionSettings, "command", "selfdestruct"); err != nil {
		t.Fatal(err)
	}
	a.applySettingsCommand("selfdestruct")

	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		t.Error("unknown command stopped the agent")
	}
	val, _, _ := config.Get(path, slavefarm.SectionSettings, "command")
	if val != "" {
		t.Errorf("unknown command not cleared: %v", val)
	}
}

func TestFinishTaskClassification(t *testing.T) {
	exitErr := os.ErrPermission // any non-nil error stands in for a bad exit

	tests := []struct {
		name     string
		exitErr  error
		errLines int
		outputs  int
		want     job.TaskStatus
	}{
		{"clean exit with output", nil, 0, 2, job.StatusFinished},
		{"bad exit but output produced", exitErr, 0, 1, job.StatusFinished},
		{"bad exit and no output", exitErr, 0, 0, job.StatusError},
		{"error lines despite clean exit", nil, 3, 2, job.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAgent(t)
			outputDir := filepath.Join(a.Root.SlaveOutput(a.Name), "aaaaaaaaaa", "task0000")
			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				t.Fatal(err)
			}
			for i := 0; i < tt.outputs; i++ {
				name := filepath.Join(outputDir, job.TaskName(i)+".exr")
				if err := os.WriteFile(name, []byte("frame"), 0o644); err != nil {
					t.Fatal(err)
				}
			}

			p := &renderProc{
				spec: RenderSpec{
					JobCode:   "aaaaaaaaaa",
					TaskName:  "task0000",
					OutputDir: outputDir,
				},
				started:  time.Now().Add(-time.Minute),
				errLines: tt.errLines,
			}
			a.running[taskKey("aaaaaaaaaa", "task0000")] = p
			a.finishTask(renderResult{proc: p, err: tt.exitErr})

			if len(a.running) != 0 {
				t.Error("task still tracked as running")
			}
			msgs := drainSlaveOut(t, a)
			if len(msgs) != 1 {
				t.Fatalf("sent %d messages, want 1", len(msgs))
			}
			u, ok := msgs[0].Command.(command.TaskUpdate)
			if !ok {
				t.Fatalf("sent %#v", msgs[0].Command)
			}
			if u.Status != string(tt.want) {
				t.Errorf("status = %s, want %s", u.Status, tt.want)
			}
			if u.OutputCount != tt.outputs {
				t.Errorf("outputCount = %d, want %d", u.OutputCount, tt.outputs)
			}
		})
	}
}

func TestFinishTaskCanceledIsSilent(t *testing.T) {
	a := newTestAgent(t)
	p := &renderProc{
		spec:     RenderSpec{JobCode: "aaaaaaaaaa", TaskName: "task0000"},
		started:  time.Now(),
		canceled: true,
	}
	a.running[taskKey("aaaaaaaaaa", "task0000")] = p

	a.finishTask(renderResult{proc: p, err: os.ErrPermission})

	if msgs := drainSlaveOut(t, a); len(msgs) != 0 {
		t.Errorf("canceled task reported %d messages", len(msgs))
	}
}

func TestDeleteJobMirror(t *testing.T) {
	a := newTestAgent(t)
	mirror := a.Root.SlaveAssignedJob(a.Name, "aaaaaaaaaa")
	output := filepath.Join(a.Root.SlaveOutput(a.Name), "aaaaaaaaaa")
	for _, dir := range []string{mirror, output} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	a.deleteJobMirror("aaaaaaaaaa")

	for _, dir := range []string{mirror, output} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("%s survived deleteJob", dir)
		}
	}
}

func TestScriptRendererCommandLine(t *testing.T) {
	dir := t.TempDir()
	r := ScriptRenderer{ScriptsDir: dir}

	if _, err := r.CommandLine(RenderSpec{JobCode: "aaaaaaaaaa"}); err == nil {
		t.Error("accepted a spec without a program")
	}
	if _, err := r.CommandLine(RenderSpec{JobCode: "aaaaaaaaaa", Program: "Blender"}); err == nil {
		t.Error("accepted a program without a wrapper script")
	}

	script := filepath.Join(dir, "blender.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	argv, err := r.CommandLine(RenderSpec{
		Program:    "Blender",
		SceneFile:  "/jobs/scene.blend",
		StartFrame: 1,
		EndFrame:   10,
		OutputDir:  "/out",
	})
	if err != nil {
		t.Fatalf("CommandLine: %v", err)
	}
	want := []string{"/bin/sh", script, "/jobs/scene.blend", "1", "10", "/out"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v", argv)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestTouchHeartbeat(t *testing.T) {
	a := newTestAgent(t)

	a.touchHeartbeat()
	fi1, err := os.Stat(a.Root.SlaveHeartbeat(a.Name))
	if err != nil {
		t.Fatalf("heartbeat not created: %v", err)
	}

	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(a.Root.SlaveHeartbeat(a.Name), old, old); err != nil {
		t.Fatal(err)
	}
	a.touchHeartbeat()
	fi2, err := os.Stat(a.Root.SlaveHeartbeat(a.Name))
	if err != nil {
		t.Fatal(err)
	}
	if !fi2.ModTime().After(fi1.ModTime().Add(-time.Minute)) {
		t.Errorf("heartbeat mtime not refreshed: %v", fi2.ModTime())
	}
}
