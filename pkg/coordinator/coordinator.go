// Package coordinator implements the farm's scheduling process.
//
// The coordinator is a single-threaded polling loop over the shared
// repository. It owns the Jobs/ subtree and the priority index; slave and
// workstation state is only ever read, or reached through mailbox commands.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prism-pipeline/pandora/pkg/config"
	"github.com/prism-pipeline/pandora/pkg/history"
	"github.com/prism-pipeline/pandora/pkg/job"
	"github.com/prism-pipeline/pandora/pkg/logging"
	"github.com/prism-pipeline/pandora/pkg/mailbox"
	"github.com/prism-pipeline/pandora/pkg/metrics"
	"github.com/prism-pipeline/pandora/pkg/repo"
	"github.com/prism-pipeline/pandora/pkg/slavefarm"
	"github.com/prism-pipeline/pandora/pkg/warn"
)

// Reclamation timeouts (spec'd farm policy, not tunable per install).
const (
	assignedTimeout   = 15 * time.Minute // assigned but never picked up
	exitFileGrace     = 30 * time.Second // exit file must be this old to count
	defaultCycleTime  = 5                // seconds
	defaultNotifyMins = 10
	defaultConnCheck  = 30 // minutes without any active slave
)

// Settings are the coordinator tunables re-read from
// Coordinator_Settings.json at the top of every cycle. Any missing key is
// re-initialized to its default, so a damaged document heals itself.
type Settings struct {
	Enabled             bool
	CoordUpdateTime     int // seconds between cycles
	DebugMode           bool
	LocalMode           bool
	Repository          string
	NotifySlaveInterval int // minutes between slave pings
	RestartSyncClient   bool
	Command             string // pending maintenance action, allow-listed
}

func defaultEntries() []config.Entry {
	return []config.Entry{
		{Section: "settings", Key: "enabled", Value: true},
		{Section: "settings", Key: "coordUpdateTime", Value: defaultCycleTime},
		{Section: "settings", Key: "debugMode", Value: false},
		{Section: "settings", Key: "localMode", Value: true},
		{Section: "settings", Key: "repository", Value: ""},
		{Section: "settings", Key: "notifySlaveInterval", Value: defaultNotifyMins},
		{Section: "settings", Key: "restartGDrive", Value: false},
		{Section: "settings", Key: "command", Value: ""},
	}
}

// State is the in-memory scheduler state carried across cycles. It is
// rebuilt from the repository on restart; nothing here is authoritative.
type State struct {
	// RenderingTasks mirrors the tasks currently believed to be rendering,
	// keyed jobCode/taskName. At most one entry per pair.
	RenderingTasks map[string]string // jobCode/taskName -> slave

	// CollectTasks holds finished-task output reports awaiting collection.
	CollectTasks []collectEntry

	// LastContact caches each slave's last heartbeat time for the UI map.
	LastContact map[string]time.Time

	// BlockedBy records which dependency blocked a job last cycle, for
	// diagnostics only.
	BlockedBy map[string]string

	LastSlaveNotify time.Time
	NoSlaveSince    time.Time
}

type collectEntry struct {
	JobCode  string
	Slave    string
	Expected int
}

// NewState returns an empty scheduler state.
func NewState() *State {
	return &State{
		RenderingTasks: map[string]string{},
		LastContact:    map[string]time.Time{},
		BlockedBy:      map[string]string{},
	}
}

// Coordinator is the scheduler process.
type Coordinator struct {
	Root     repo.Root
	Host     string
	Log      *logging.Logger
	Warnings warn.Store
	Jobs     job.Store
	Index    job.Index
	Metrics  *metrics.Coordinator
	History  *history.Archive // optional
	State    *State

	settings Settings

	// snapshots rebuilt every cycle
	slaves []slavefarm.Slave
}

// New validates startup preconditions and returns a Coordinator. A missing
// repository root or enabled=false is fatal here, never mid-loop.
func New(root repo.Root, host string, log *logging.Logger, m *metrics.Coordinator, hist *history.Archive) (*Coordinator, error) {
	if root.Path == "" {
		return nil, fmt.Errorf("no repository path configured")
	}
	if !root.Exists() {
		return nil, fmt.Errorf("repository path %s does not exist", root.Path)
	}
	if err := config.EnsureDefaults(root.CoordinatorSettings(), defaultEntries()); err != nil {
		return nil, fmt.Errorf("initializing coordinator settings: %w", err)
	}
	enabled, ok, err := config.Get(root.CoordinatorSettings(), "settings", "enabled")
	if err != nil {
		return nil, err
	}
	if ok {
		if b, isBool := enabled.(bool); isBool && !b {
			return nil, fmt.Errorf("coordinator is disabled in %s", root.CoordinatorSettings())
		}
	}
	if err := os.MkdirAll(root.JobsDir(), 0o755); err != nil {
		return nil, err
	}

	c := &Coordinator{
		Root:     root,
		Host:     host,
		Log:      log,
		Warnings: warn.Store{Path: root.CoordinatorWarnings(host)},
		Jobs:     job.NewStore(root),
		Index:    job.NewIndex(root),
		Metrics:  m,
		History:  hist,
		State:    NewState(),
	}
	log.SetWarnSink(func(text string, severity int) {
		// Severity >= 2 surfaces in the UI warnings list.
		if severity >= int(logging.WARN) {
			c.Warnings.Add(text, severity)
		}
	})
	return c, nil
}

// Run drives the cycle loop until ctx is canceled or the exit file is
// honored. Per-cycle failures are logged and absorbed; only startup is
// allowed to be fatal.
func (c *Coordinator) Run(ctx context.Context) error {
	c.Log.Infof("coordinator starting on %s, repository %s", c.Host, c.Root.Path)
	for {
		if c.exitRequested() {
			c.Log.Infof("exit file honored, coordinator closing")
			os.Remove(c.Root.ExitFile())
			return nil
		}

		start := time.Now()
		c.Cycle(ctx)
		if c.Metrics != nil {
			c.Metrics.CyclesTotal.Inc()
			c.Metrics.CycleDuration.Observe(time.Since(start).Seconds())
		}

		sleep := time.Duration(c.settings.CoordUpdateTime) * time.Second
		if sleep <= 0 {
			sleep = defaultCycleTime * time.Second
		}
		select {
		case <-ctx.Done():
			c.Log.Infof("coordinator stopping: %v", ctx.Err())
			return nil
		case <-time.After(sleep):
		}
	}
}

// Cycle runs one scheduler pass. Step order encodes data dependencies
// (slave availability must follow ingestion and reclamation) and must not
// be rearranged.
func (c *Coordinator) Cycle(ctx context.Context) {
	now := time.Now()

	c.refreshSettings()
	c.getJobAssignments(ctx)
	c.checkSlaves(ctx, now)
	c.writeActiveSlaves()
	if !c.settings.LocalMode {
		c.checkConnection(now)
	}
	c.checkRenderingTasks()
	available := c.getAvailableSlaves(now)
	c.assignJobs(ctx, available, now)
	c.checkTvRequests()
	if !c.settings.LocalMode {
		c.checkCollectTasks(ctx)
	}
	c.notifyWorkstations()
	if !c.settings.LocalMode {
		c.notifySlaves(now)
	}
	c.runMaintenance()
	c.updateGauges(available)
}

// refreshSettings re-reads the tunables, restoring defaults for any key
// that has gone missing.
func (c *Coordinator) refreshSettings() {
	path := c.Root.CoordinatorSettings()
	if err := config.EnsureDefaults(path, defaultEntries()); err != nil {
		c.Log.Errorf("restoring coordinator settings defaults: %v", err)
	}
	doc, err := config.Read(path)
	if err != nil {
		c.Log.Errorf("reading coordinator settings: %v", err)
		doc = config.Document{}
	}
	sec := doc["settings"]

	s := Settings{
		Enabled:             true,
		CoordUpdateTime:     defaultCycleTime,
		LocalMode:           true,
		NotifySlaveInterval: defaultNotifyMins,
	}
	if v, ok := sec["enabled"].(bool); ok {
		s.Enabled = v
	}
	if v, ok := asInt(sec["coordUpdateTime"]); ok && v > 0 {
		s.CoordUpdateTime = v
	}
	if v, ok := sec["debugMode"].(bool); ok {
		s.DebugMode = v
	}
	if v, ok := sec["localMode"].(bool); ok {
		s.LocalMode = v
	}
	if v, ok := sec["repository"].(string); ok {
		s.Repository = v
	}
	if v, ok := asInt(sec["notifySlaveInterval"]); ok && v > 0 {
		s.NotifySlaveInterval = v
	}
	if v, ok := sec["restartGDrive"].(bool); ok {
		s.RestartSyncClient = v
	}
	if v, ok := sec["command"].(string); ok {
		s.Command = v
	}
	c.settings = s

	if s.DebugMode {
		c.Log.SetLevel(logging.DEBUG)
	} else {
		c.Log.SetLevel(logging.INFO)
	}
}

// exitRequested honors the exit file only once it is old enough that it
// cannot be a leftover racing a previous run.
func (c *Coordinator) exitRequested() bool {
	fi, err := os.Stat(c.Root.ExitFile())
	if err != nil {
		return false
	}
	return time.Since(fi.ModTime()) >= exitFileGrace
}

// slaveIn returns the command channel into the given slave.
func (c *Coordinator) slaveIn(name string) mailbox.Channel {
	return mailbox.New(c.Root.SlaveComm(name), mailbox.PrefixSlaveIn)
}

func (c *Coordinator) updateGauges(available []slavefarm.Available) {
	if c.Metrics == nil {
		return
	}
	active := 0
	for _, s := range c.slaves {
		if s.Active {
			active++
		}
	}
	c.Metrics.ActiveSlaves.Set(float64(active))
	c.Metrics.AvailableSlaves.Set(float64(len(available)))

	codes, err := c.Root.ListJobs()
	if err != nil {
		return
	}
	c.Metrics.JobsGauge.Set(float64(len(codes)))
	byStatus := map[job.TaskStatus]int{}
	for _, code := range codes {
		j, err := c.Jobs.Load(code)
		if err != nil {
			continue
		}
		for _, t := range j.Tasks {
			byStatus[t.Status]++
		}
	}
	for _, status := range []job.TaskStatus{
		job.StatusReady, job.StatusAssigned, job.StatusRendering,
		job.StatusFinished, job.StatusError, job.StatusDisabled,
	} {
		c.Metrics.TasksByStatus.WithLabelValues(string(status)).Set(float64(byStatus[status]))
	}
}

func (c *Coordinator) findSlave(name string) (slavefarm.Slave, bool) {
	for _, s := range c.slaves {
		if s.Name == name {
			return s, true
		}
	}
	return slavefarm.Slave{}, false
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
