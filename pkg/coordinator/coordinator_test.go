package coordinator

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

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	root := repo.New(t.TempDir())
	log := logging.New("test", logging.ERROR, false)
	c, err := New(root, "testhost", log, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// addSlave registers an active slave snapshot and creates its directories.
func addSlave(t *testing.T, c *Coordinator, name string, maxTasks int) {
	t.Helper()
	for _, dir := range []string{c.Root.SlaveComm(name), c.Root.SlaveAssignedJobs(name), c.Root.SlaveOutput(name)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	c.slaves = append(c.slaves, slavefarm.Slave{
		Name:        name,
		Active:      true,
		LastContact: time.Now(),
		Settings: slavefarm.Settings{
			Enabled:            true,
			MaxConcurrentTasks: maxTasks,
		},
	})
}

// addJob writes a fully staged job with n ready tasks and indexes it.
func addJob(t *testing.T, c *Coordinator, code string, priority, n int) *job.Job {
	t.Helper()
	j := &job.Job{
		Code:            code,
		Name:            "job " + code,
		SceneName:       code + ".blend",
		FileCount:       1,
		Priority:        priority,
		ListSlaves:      "All",
		TaskTimeout:     180,
		ConcurrentTasks: n, // no per-job cap unless a test lowers it
		Tasks:           map[string]job.Task{},
	}
	for i := 0; i < n; i++ {
		j.Tasks[job.TaskName(i)] = job.NewTask(i*10+1, i*10+10)
	}
	if err := c.Jobs.WriteJob(j); err != nil {
		t.Fatalf("WriteJob: %v", err)
	}
	scene := filepath.Join(c.Root.JobFilesDir(code), j.SceneName)
	if err := os.MkdirAll(filepath.Dir(scene), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(scene, []byte("scene"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.Index.Set(code, priority, time.Now().Unix()); err != nil {
		t.Fatalf("Index.Set: %v", err)
	}
	return j
}

func drainSlaveIn(t *testing.T, c *Coordinator, slave string) []mailbox.Message {
	t.Helper()
	msgs, err := c.slaveIn(slave).Drain(nil)
	if err != nil {
		t.Fatalf("draining slaveIn of %s: %v", slave, err)
	}
	return msgs
}

func taskStatus(t *testing.T, c *Coordinator, code, taskName string) job.Task {
	t.Helper()
	j, err := c.Jobs.Load(code)
	if err != nil {
		t.Fatalf("Load(%s): %v", code, err)
	}
	task, ok := j.Tasks[taskName]
	if !ok {
		t.Fatalf("job %s has no task %s", code, taskName)
	}
	return task
}

func TestAssignJobsPriorityOrder(t *testing.T) {
	c := newTestCoordinator(t)
	addSlave(t, c, "render01", 1)
	addJob(t, c, "lowprio000", 10, 1)
	addJob(t, c, "highprio00", 90, 1)

	c.assignJobs(context.Background(), c.getAvailableSlaves(time.Now()), time.Now())

	high := taskStatus(t, c, "highprio00", "task0000")
	if high.Status != job.StatusAssigned || high.Slave != "render01" {
		t.Errorf("high priority task = %+v, want assigned to render01", high)
	}
	low := taskStatus(t, c, "lowprio000", "task0000")
	if low.Status != job.StatusReady {
		t.Errorf("low priority task = %v, want still ready", low.Status)
	}

	msgs := drainSlaveIn(t, c, "render01")
	if len(msgs) != 1 {
		t.Fatalf("slave received %d commands, want 1", len(msgs))
	}
	rt, ok := msgs[0].Command.(command.RenderTask)
	if !ok || rt.JobCode != "highprio00" || rt.TaskName != "task0000" {
		t.Errorf("slave received %#v", msgs[0].Command)
	}
}

func TestAssignJobsTasksInOrder(t *testing.T) {
	c := newTestCoordinator(t)
	addSlave(t, c, "render01", 2)
	addJob(t, c, "aaaaaaaaaa", 50, 3)

	c.assignJobs(context.Background(), c.getAvailableSlaves(time.Now()), time.Now())

	// Two slots, three tasks: the first two by name get assigned.
	for i, want := range []job.TaskStatus{job.StatusAssigned, job.StatusAssigned, job.StatusReady} {
		got := taskStatus(t, c, "aaaaaaaaaa", job.TaskName(i)).Status
		if got != want {
			t.Errorf("task %d = %v, want %v", i, got, want)
		}
	}
}

func TestAssignJobsPerJobCap(t *testing.T) {
	c := newTestCoordinator(t)
	addSlave(t, c, "render01", 4)
	j := addJob(t, c, "aaaaaaaaaa", 50, 3)
	j.ConcurrentTasks = 1
	if err := c.Jobs.WriteJob(j); err != nil {
		t.Fatal(err)
	}

	c.assignJobs(context.Background(), c.getAvailableSlaves(time.Now()), time.Now())

	assigned := 0
	for i := 0; i < 3; i++ {
		if taskStatus(t, c, "aaaaaaaaaa", job.TaskName(i)).Status == job.StatusAssigned {
			assigned++
		}
	}
	if assigned != 1 {
		t.Errorf("%d tasks assigned, want 1 (per-job cap)", assigned)
	}
}

func TestAssignJobsRespectsSlaveCapacity(t *testing.T) {
	c := newTestCoordinator(t)
	addSlave(t, c, "render01", 2)
	addJob(t, c, "aaaaaaaaaa", 90, 2)
	addJob(t, c, "bbbbbbbbbb", 10, 2)

	c.assignJobs(context.Background(), c.getAvailableSlaves(time.Now()), time.Now())

	// The slave's two slots go to the higher-priority job; the second job
	// finds the pool exhausted.
	for i := 0; i < 2; i++ {
		if got := taskStatus(t, c, "aaaaaaaaaa", job.TaskName(i)).Status; got != job.StatusAssigned {
			t.Errorf("high-prio task %d = %v", i, got)
		}
		if got := taskStatus(t, c, "bbbbbbbbbb", job.TaskName(i)).Status; got != job.StatusReady {
			t.Errorf("low-prio task %d = %v, want ready", i, got)
		}
	}
}

func TestAssignJobsListSlavesExclude(t *testing.T) {
	c := newTestCoordinator(t)
	addSlave(t, c, "render01", 1)
	j := addJob(t, c, "aaaaaaaaaa", 50, 1)
	j.ListSlaves = "exclude render01"
	if err := c.Jobs.WriteJob(j); err != nil {
		t.Fatal(err)
	}

	c.assignJobs(context.Background(), c.getAvailableSlaves(time.Now()), time.Now())

	if got := taskStatus(t, c, "aaaaaaaaaa", "task0000").Status; got != job.StatusReady {
		t.Errorf("excluded job got assigned anyway: %v", got)
	}
}

func TestAssignJobsDependencyGating(t *testing.T) {
	c := newTestCoordinator(t)
	addSlave(t, c, "render01", 4)
	addSlave(t, c, "render02", 4)

	dep := addJob(t, c, "depjob0000", 50, 1)
	j := addJob(t, c, "mainjob000", 90, 1)
	j.Dependencies = []string{"depjob0000"}
	if err := c.Jobs.WriteJob(j); err != nil {
		t.Fatal(err)
	}

	c.assignJobs(context.Background(), c.getAvailableSlaves(time.Now()), time.Now())

	if got := taskStatus(t, c, "mainjob000", "task0000").Status; got != job.StatusReady {
		t.Fatalf("dependent job assigned before its dependency finished: %v", got)
	}
	if c.State.BlockedBy["mainjob000"] != "depjob0000" {
		t.Errorf("BlockedBy = %v", c.State.BlockedBy)
	}

	// Finish the dependency on render02; the dependent job must follow it
	// there so the upstream caches get reused.
	task := dep.Tasks["task0000"]
	task.Status = job.StatusFinished
	task.Slave = "render02"
	if err := c.Jobs.SetTask("depjob0000", "task0000", task); err != nil {
		t.Fatal(err)
	}
	drainSlaveIn(t, c, "render01")
	drainSlaveIn(t, c, "render02")

	c.assignJobs(context.Background(), c.getAvailableSlaves(time.Now()), time.Now())

	got := taskStatus(t, c, "mainjob000", "task0000")
	if got.Status != job.StatusAssigned || got.Slave != "render02" {
		t.Errorf("dependent task = %+v, want assigned to render02", got)
	}
	if _, blocked := c.State.BlockedBy["mainjob000"]; blocked {
		t.Error("BlockedBy entry not cleared after the dependency finished")
	}
}

func TestAssignJobsStaleIndexEntry(t *testing.T) {
	c := newTestCoordinator(t)
	addSlave(t, c, "render01", 1)
	if err := c.Index.Set("ghostjob00", 99, time.Now().Unix()); err != nil {
		t.Fatal(err)
	}
	addJob(t, c, "realjob000", 10, 1)

	c.assignJobs(context.Background(), c.getAvailableSlaves(time.Now()), time.Now())

	entries, err := c.Index.Ordered()
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.JobCode == "ghostjob00" {
			t.Error("stale index entry survived the walk")
		}
	}
	if got := taskStatus(t, c, "realjob000", "task0000").Status; got != job.StatusAssigned {
		t.Errorf("real job skipped: %v", got)
	}
}

func TestAssignStagesJobOnSlave(t *testing.T) {
	c := newTestCoordinator(t)
	addSlave(t, c, "render01", 1)
	j := addJob(t, c, "aaaaaaaaaa", 50, 1)

	c.assignJobs(context.Background(), c.getAvailableSlaves(time.Now()), time.Now())

	staged := filepath.Join(c.Root.SlaveAssignedJob("render01", "aaaaaaaaaa"), "JobFiles", j.SceneName)
	if _, err := os.Stat(staged); err != nil {
		t.Errorf("scene not mirrored to the slave: %v", err)
	}
}

func TestReclaimAssignedTimeout(t *testing.T) {
	c := newTestCoordinator(t)
	addSlave(t, c, "render01", 1)
	addJob(t, c, "aaaaaaaaaa", 50, 1)

	stale := time.Now().Add(-assignedTimeout - time.Minute).Format(job.TimeFormat)
	task := job.Task{StartFrame: 1, EndFrame: 10, Status: job.StatusAssigned, Slave: "render01", Start: stale}
	if err := c.Jobs.SetTask("aaaaaaaaaa", "task0000", task); err != nil {
		t.Fatal(err)
	}

	available := c.getAvailableSlaves(time.Now())

	got := taskStatus(t, c, "aaaaaaaaaa", "task0000")
	if got.Status != job.StatusReady || got.Slave != job.Unassigned {
		t.Errorf("timed-out task = %+v, want reset to ready", got)
	}
	// The holder is excluded this cycle so the task cannot bounce straight
	// back to the slave that lost it.
	if len(available) != 0 {
		t.Errorf("available = %v, want the holder excluded", available)
	}
	msgs := drainSlaveIn(t, c, "render01")
	if len(msgs) != 1 {
		t.Fatalf("slave received %d commands, want a cancel", len(msgs))
	}
	if _, ok := msgs[0].Command.(command.CancelTask); !ok {
		t.Errorf("slave received %#v, want CancelTask", msgs[0].Command)
	}
}

func TestReclaimRenderingTimeout(t *testing.T) {
	c := newTestCoordinator(t)
	addSlave(t, c, "render01", 1)
	j := addJob(t, c, "aaaaaaaaaa", 50, 1)
	j.TaskTimeout = 10
	if err := c.Jobs.WriteJob(j); err != nil {
		t.Fatal(err)
	}

	started := time.Now().Add(-11 * time.Minute).Format(job.TimeFormat)
	task := job.Task{StartFrame: 1, EndFrame: 10, Status: job.StatusRendering, Slave: "render01", Start: started}
	if err := c.Jobs.SetTask("aaaaaaaaaa", "task0000", task); err != nil {
		t.Fatal(err)
	}

	c.getAvailableSlaves(time.Now())

	got := taskStatus(t, c, "aaaaaaaaaa", "task0000")
	if got.Status != job.StatusReady {
		t.Errorf("rendering task past its timeout = %v, want ready", got.Status)
	}
}

func TestReclaimLeavesFreshTasksAlone(t *testing.T) {
	c := newTestCoordinator(t)
	addSlave(t, c, "render01", 2)
	addJob(t, c, "aaaaaaaaaa", 50, 1)

	fresh := time.Now().Add(-time.Minute).Format(job.TimeFormat)
	task := job.Task{StartFrame: 1, EndFrame: 10, Status: job.StatusAssigned, Slave: "render01", Start: fresh}
	if err := c.Jobs.SetTask("aaaaaaaaaa", "task0000", task); err != nil {
		t.Fatal(err)
	}

	available := c.getAvailableSlaves(time.Now())

	if got := taskStatus(t, c, "aaaaaaaaaa", "task0000").Status; got != job.StatusAssigned {
		t.Errorf("fresh assignment reclaimed: %v", got)
	}
	// One of two slots is in use; the slave stays available.
	if len(available) != 1 || available[0].CurTaskNum != 1 {
		t.Errorf("available = %+v", available)
	}
}

func TestCheckRenderingTasksOrphan(t *testing.T) {
	c := newTestCoordinator(t)
	addSlave(t, c, "render01", 1)
	addJob(t, c, "aaaaaaaaaa", 50, 1)

	task := job.Task{StartFrame: 1, EndFrame: 10, Status: job.StatusRendering, Slave: "render01",
		Start: time.Now().Format(job.TimeFormat)}
	if err := c.Jobs.SetTask("aaaaaaaaaa", "task0000", task); err != nil {
		t.Fatal(err)
	}

	// The slave is active and reports no current tasks: the task is orphaned.
	c.checkRenderingTasks()

	if got := taskStatus(t, c, "aaaaaaaaaa", "task0000").Status; got != job.StatusReady {
		t.Errorf("orphaned task = %v, want ready", got)
	}
	if len(c.State.RenderingTasks) != 0 {
		t.Errorf("RenderingTasks = %v", c.State.RenderingTasks)
	}
}

func TestCheckRenderingTasksTrustsOnlyActiveSlaves(t *testing.T) {
	c := newTestCoordinator(t)
	addSlave(t, c, "render01", 1)
	c.slaves[0].Active = false
	addJob(t, c, "aaaaaaaaaa", 50, 1)

	task := job.Task{StartFrame: 1, EndFrame: 10, Status: job.StatusRendering, Slave: "render01",
		Start: time.Now().Format(job.TimeFormat)}
	if err := c.Jobs.SetTask("aaaaaaaaaa", "task0000", task); err != nil {
		t.Fatal(err)
	}

	c.checkRenderingTasks()

	// An inactive slave's empty curtasks list is stale data, not evidence;
	// the timeout pass owns that case.
	if got := taskStatus(t, c, "aaaaaaaaaa", "task0000").Status; got != job.StatusRendering {
		t.Errorf("task reclaimed on stale evidence: %v", got)
	}
}

func TestHandleTaskUpdateLifecycle(t *testing.T) {
	c := newTestCoordinator(t)
	addSlave(t, c, "render01", 1)
	addJob(t, c, "aaaaaaaaaa", 50, 1)
	now := time.Now().Format(job.TimeFormat)

	task := job.Task{StartFrame: 1, EndFrame: 10, Status: job.StatusAssigned, Slave: "render01", Start: now}
	if err := c.Jobs.SetTask("aaaaaaaaaa", "task0000", task); err != nil {
		t.Fatal(err)
	}

	c.handleTaskUpdate(command.TaskUpdate{
		JobCode: "aaaaaaaaaa", TaskName: "task0000", Status: "rendering",
		Slave: "render01", Start: now,
	}, "slave render01")
	if got := taskStatus(t, c, "aaaaaaaaaa", "task0000").Status; got != job.StatusRendering {
		t.Fatalf("after rendering report: %v", got)
	}
	if c.State.RenderingTasks["aaaaaaaaaa/task0000"] != "render01" {
		t.Errorf("RenderingTasks = %v", c.State.RenderingTasks)
	}

	c.handleTaskUpdate(command.TaskUpdate{
		JobCode: "aaaaaaaaaa", TaskName: "task0000", Status: "finished",
		Slave: "render01", Elapsed: "312", Start: now, End: now, OutputCount: 10,
	}, "slave render01")
	got := taskStatus(t, c, "aaaaaaaaaa", "task0000")
	if got.Status != job.StatusFinished || got.Elapsed != "312" {
		t.Errorf("after finished report: %+v", got)
	}
	if len(c.State.RenderingTasks) != 0 {
		t.Errorf("RenderingTasks not cleared: %v", c.State.RenderingTasks)
	}
	if len(c.State.CollectTasks) != 1 || c.State.CollectTasks[0].Expected != 10 {
		t.Errorf("CollectTasks = %+v", c.State.CollectTasks)
	}
}

func TestHandleTaskUpdateTerminalImmutable(t *testing.T) {
	c := newTestCoordinator(t)
	addJob(t, c, "aaaaaaaaaa", 50, 1)

	task := job.Task{StartFrame: 1, EndFrame: 10, Status: job.StatusFinished, Slave: "render01"}
	if err := c.Jobs.SetTask("aaaaaaaaaa", "task0000", task); err != nil {
		t.Fatal(err)
	}

	c.handleTaskUpdate(command.TaskUpdate{
		JobCode: "aaaaaaaaaa", TaskName: "task0000", Status: "rendering", Slave: "render02",
	}, "slave render02")

	if got := taskStatus(t, c, "aaaaaaaaaa", "task0000").Status; got != job.StatusFinished {
		t.Errorf("finished task mutated to %v", got)
	}
}

func TestHandleTaskUpdateRejectsWrongSlave(t *testing.T) {
	c := newTestCoordinator(t)
	addJob(t, c, "aaaaaaaaaa", 50, 1)

	task := job.Task{StartFrame: 1, EndFrame: 10, Status: job.StatusAssigned, Slave: "render01",
		Start: time.Now().Format(job.TimeFormat)}
	if err := c.Jobs.SetTask("aaaaaaaaaa", "task0000", task); err != nil {
		t.Fatal(err)
	}

	// A rendering report from a slave that does not own the task is stale.
	c.handleTaskUpdate(command.TaskUpdate{
		JobCode: "aaaaaaaaaa", TaskName: "task0000", Status: "rendering", Slave: "render02",
	}, "slave render02")

	got := taskStatus(t, c, "aaaaaaaaaa", "task0000")
	if got.Status != job.StatusAssigned || got.Slave != "render01" {
		t.Errorf("stale report applied: %+v", got)
	}
}

func TestHandleTaskUpdateDuplicateIsNoop(t *testing.T) {
	c := newTestCoordinator(t)
	addJob(t, c, "aaaaaaaaaa", 50, 1)
	now := time.Now().Format(job.TimeFormat)

	task := job.Task{StartFrame: 1, EndFrame: 10, Status: job.StatusRendering, Slave: "render01", Start: now}
	if err := c.Jobs.SetTask("aaaaaaaaaa", "task0000", task); err != nil {
		t.Fatal(err)
	}

	c.handleTaskUpdate(command.TaskUpdate{
		JobCode: "aaaaaaaaaa", TaskName: "task0000", Status: "rendering", Slave: "render01", Start: now,
	}, "slave render01")

	if got := taskStatus(t, c, "aaaaaaaaaa", "task0000").Status; got != job.StatusRendering {
		t.Errorf("duplicate delivery changed state: %v", got)
	}
}

func TestHandleSetSettingCoordinatorAllowList(t *testing.T) {
	c := newTestCoordinator(t)

	c.handleSetSetting(command.SetSetting{
		TargetType: "Coordinator", Key: "coordUpdateTime", Value: 30,
	}, "test")
	val, ok, err := config.Get(c.Root.CoordinatorSettings(), "settings", "coordUpdateTime")
	if err != nil || !ok || val.(float64) != 30 {
		t.Errorf("allowed key not applied: %v (ok=%v err=%v)", val, ok, err)
	}

	c.handleSetSetting(command.SetSetting{
		TargetType: "Coordinator", Key: "repository", Value: "/elsewhere",
	}, "test")
	val, _, _ = config.Get(c.Root.CoordinatorSettings(), "settings", "repository")
	if val == "/elsewhere" {
		t.Error("non-settable key applied")
	}
}

func TestHandleSetSettingRelaysToSlave(t *testing.T) {
	c := newTestCoordinator(t)
	addSlave(t, c, "render01", 1)

	c.handleSetSetting(command.SetSetting{
		TargetType: "Slave", TargetName: "render01", Key: "paused", Value: true,
	}, "test")

	msgs := drainSlaveIn(t, c, "render01")
	if len(msgs) != 1 {
		t.Fatalf("slave received %d commands", len(msgs))
	}
	s, ok := msgs[0].Command.(command.SetSetting)
	if !ok || s.Key != "paused" {
		t.Errorf("relayed %#v", msgs[0].Command)
	}
}

func TestHandleDeleteJob(t *testing.T) {
	c := newTestCoordinator(t)
	addSlave(t, c, "render01", 1)
	addJob(t, c, "aaaaaaaaaa", 50, 1)

	c.assignJobs(context.Background(), c.getAvailableSlaves(time.Now()), time.Now())
	drainSlaveIn(t, c, "render01")

	c.handleDeleteJob("aaaaaaaaaa", "test")

	if c.Jobs.Exists("aaaaaaaaaa") {
		t.Error("job directory survived deletion")
	}
	entries, err := c.Index.Ordered()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("index entries after delete: %v", entries)
	}
	if _, err := os.Stat(c.Root.SlaveAssignedJob("render01", "aaaaaaaaaa")); !os.IsNotExist(err) {
		t.Error("slave-side mirror survived deletion")
	}
	msgs := drainSlaveIn(t, c, "render01")
	found := false
	for _, m := range msgs {
		if d, ok := m.Command.(command.DeleteJob); ok && d.JobCode == "aaaaaaaaaa" {
			found = true
		}
	}
	if !found {
		t.Error("slave was not told to drop its mirror")
	}
}

func TestHandleRestartTask(t *testing.T) {
	c := newTestCoordinator(t)
	addSlave(t, c, "render01", 1)
	addJob(t, c, "aaaaaaaaaa", 50, 1)

	task := job.Task{StartFrame: 1, EndFrame: 10, Status: job.StatusError, Slave: "render01"}
	if err := c.Jobs.SetTask("aaaaaaaaaa", "task0000", task); err != nil {
		t.Fatal(err)
	}

	c.handleRestartTask(command.RestartTask{JobCode: "aaaaaaaaaa", TaskName: "task0000"}, "test")

	got := taskStatus(t, c, "aaaaaaaaaa", "task0000")
	if got.Status != job.StatusReady || got.Slave != job.Unassigned {
		t.Errorf("restarted task = %+v", got)
	}
}

func TestHandleDisableTask(t *testing.T) {
	c := newTestCoordinator(t)
	addJob(t, c, "aaaaaaaaaa", 50, 1)

	c.handleDisableTask(command.DisableTask{JobCode: "aaaaaaaaaa", TaskName: "task0000", Enable: false}, "test")
	if got := taskStatus(t, c, "aaaaaaaaaa", "task0000").Status; got != job.StatusDisabled {
		t.Fatalf("after disable: %v", got)
	}

	c.handleDisableTask(command.DisableTask{JobCode: "aaaaaaaaaa", TaskName: "task0000", Enable: true}, "test")
	if got := taskStatus(t, c, "aaaaaaaaaa", "task0000").Status; got != job.StatusReady {
		t.Errorf("after re-enable: %v", got)
	}
}

func TestIngestSubmission(t *testing.T) {
	c := newTestCoordinator(t)
	ws := "ws01"

	staging := filepath.Join(c.Root.WorkstationSubmissions(ws), "incoming-1")
	filesDir := filepath.Join(staging, "JobFiles")
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(filesDir, "shot010.blend"), []byte("scene"), 0o644); err != nil {
		t.Fatal(err)
	}
	sub := &job.Job{
		Name:            "shot010",
		SceneName:       "shot010.blend",
		FileCount:       1,
		Priority:        70,
		ListSlaves:      "All",
		TaskTimeout:     180,
		ConcurrentTasks: 1,
		Tasks:           map[string]job.Task{"task0000": job.NewTask(1, 10)},
	}
	if err := job.WriteDocument(filepath.Join(staging, "PandoraJob.json"), sub); err != nil {
		t.Fatal(err)
	}

	c.getJobAssignments(context.Background())

	codes, err := c.Root.ListJobs()
	if err != nil {
		t.Fatal(err)
	}
	if len(codes) != 1 {
		t.Fatalf("ingested %d jobs, want 1", len(codes))
	}
	code := codes[0]

	j, err := c.Jobs.Load(code)
	if err != nil {
		t.Fatal(err)
	}
	if j.Name != "shot010" || j.SubmitWS != ws {
		t.Errorf("ingested job = %+v", j)
	}
	if _, err := os.Stat(filepath.Join(c.Root.JobFilesDir(code), "shot010.blend")); err != nil {
		t.Errorf("scene file not moved: %v", err)
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Error("staging directory left behind")
	}

	entries, err := c.Index.Ordered()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].JobCode != code || entries[0].Priority != 70 {
		t.Errorf("index after ingest: %v", entries)
	}
}

func TestIngestWaitsForStaging(t *testing.T) {
	c := newTestCoordinator(t)
	ws := "ws01"

	// Declares two files but only the config is present: still uploading.
	staging := filepath.Join(c.Root.WorkstationSubmissions(ws), "incoming-1")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		t.Fatal(err)
	}
	sub := &job.Job{
		Name:      "shot010",
		SceneName: "shot010.blend",
		FileCount: 2,
		Tasks:     map[string]job.Task{"task0000": job.NewTask(1, 10)},
	}
	if err := job.WriteDocument(filepath.Join(staging, "PandoraJob.json"), sub); err != nil {
		t.Fatal(err)
	}

	c.getJobAssignments(context.Background())

	codes, err := c.Root.ListJobs()
	if err != nil {
		t.Fatal(err)
	}
	if len(codes) != 0 {
		t.Errorf("incomplete submission ingested: %v", codes)
	}
	if _, err := os.Stat(staging); err != nil {
		t.Errorf("incomplete submission removed: %v", err)
	}
}

func TestExitRequestedHonorsGrace(t *testing.T) {
	c := newTestCoordinator(t)

	if err := os.WriteFile(c.Root.ExitFile(), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if c.exitRequested() {
		t.Error("a brand-new exit file must not be honored yet")
	}

	old := time.Now().Add(-exitFileGrace - time.Second)
	if err := os.Chtimes(c.Root.ExitFile(), old, old); err != nil {
		t.Fatal(err)
	}
	if !c.exitRequested() {
		t.Error("an aged exit file must be honored")
	}
}

func TestNewRejectsDisabledCoordinator(t *testing.T) {
	root := repo.New(t.TempDir())
	if err := config.Set(root.CoordinatorSettings(), "settings", "enabled", false); err != nil {
		t.Fatal(err)
	}
	log := logging.New("test", logging.ERROR, false)
	if _, err := New(root, "testhost", log, nil, nil); err == nil {
		t.Error("New accepted a disabled coordinator")
	}
}
