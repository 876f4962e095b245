package slavefarm

import (
	"os"
	"testing"
	"time"

	"github.com/prism-pipeline/pandora/pkg/config"
	"github.com/prism-pipeline/pandora/pkg/repo"
)

func TestMatchesList(t *testing.T) {
	gpu := Slave{Name: "Render01", Settings: Settings{Groups: []string{"gpu", "night"}}}
	plain := Slave{Name: "render02"}

	tests := []struct {
		name  string
		expr  string
		slave Slave
		want  bool
	}{
		{"All matches everything", "All", plain, true},
		{"all lowercase", "all", plain, true},
		{"empty expression", "", plain, true},
		{"plain allow-list hit", "render02, render03", plain, true},
		{"plain allow-list miss", "render03, render04", plain, false},
		{"allow-list ignores case", "RENDER01", gpu, true},
		{"exclude hit", "exclude render01", gpu, false},
		{"exclude miss", "exclude render03", gpu, true},
		{"group hit", "groups: gpu", gpu, true},
		{"group miss", "groups: cpuonly", gpu, false},
		{"group on slave without groups", "groups: gpu", plain, false},
		{"multiple groups", "groups: cpuonly, night", gpu, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchesList(tt.expr, tt.slave); got != tt.want {
				t.Errorf("MatchesList(%q, %s) = %v, want %v", tt.expr, tt.slave.Name, got, tt.want)
			}
		})
	}
}

func TestRestPeriodContains(t *testing.T) {
	at := func(hour int) time.Time {
		return time.Date(2026, 2, 1, hour, 30, 0, 0, time.Local)
	}

	day := RestPeriod{Enabled: true, StartHour: 9, EndHour: 18}
	if !day.Contains(at(12)) {
		t.Error("noon must fall in a 9-18 rest period")
	}
	if day.Contains(at(20)) {
		t.Error("evening must not fall in a 9-18 rest period")
	}
	if !day.Contains(at(9)) {
		t.Error("start hour is inclusive")
	}
	if day.Contains(at(18)) {
		t.Error("end hour is exclusive")
	}

	// Overnight periods wrap midnight.
	night := RestPeriod{Enabled: true, StartHour: 22, EndHour: 6}
	if !night.Contains(at(23)) || !night.Contains(at(3)) {
		t.Error("23:30 and 03:30 must fall in a 22-6 rest period")
	}
	if night.Contains(at(12)) {
		t.Error("noon must not fall in a 22-6 rest period")
	}

	off := RestPeriod{Enabled: false, StartHour: 0, EndHour: 24}
	if off.Contains(at(12)) {
		t.Error("a disabled rest period contains nothing")
	}
}

func TestParseSettingsDefaults(t *testing.T) {
	s := ParseSettings(config.Document{})
	if !s.Enabled || s.Paused {
		t.Errorf("defaults: enabled=%v paused=%v", s.Enabled, s.Paused)
	}
	if s.UpdateTime != 10 || s.MaxCPU != 30 || s.MaxConcurrentTasks != 1 {
		t.Errorf("defaults: %+v", s)
	}
}

func TestParseSettingsDocument(t *testing.T) {
	doc := config.Document{
		SectionSettings: {
			"enabled":            false,
			"paused":             true,
			"maxConcurrentTasks": float64(4),
			"restPeriod":         []interface{}{true, float64(22), float64(6)},
			"slaveGroup":         []interface{}{"gpu", "night"},
			"command":            "exit",
		},
	}
	s := ParseSettings(doc)
	if s.Enabled || !s.Paused {
		t.Errorf("enabled=%v paused=%v", s.Enabled, s.Paused)
	}
	if s.MaxConcurrentTasks != 4 {
		t.Errorf("maxConcurrentTasks = %d", s.MaxConcurrentTasks)
	}
	if !s.Rest.Enabled || s.Rest.StartHour != 22 || s.Rest.EndHour != 6 {
		t.Errorf("rest = %+v", s.Rest)
	}
	if len(s.Groups) != 2 || s.Groups[0] != "gpu" {
		t.Errorf("groups = %v", s.Groups)
	}
	if s.Command != "exit" {
		t.Errorf("command = %q", s.Command)
	}
}

func TestScanLiveness(t *testing.T) {
	root := repo.New(t.TempDir())
	now := time.Now()

	for _, name := range []string{"alive", "stale", "silent"} {
		if err := os.MkdirAll(root.SlaveDir(name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	touch := func(name string, when time.Time) {
		path := root.SlaveHeartbeat(name)
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		f.Close()
		if err := os.Chtimes(path, when, when); err != nil {
			t.Fatal(err)
		}
	}
	touch("alive", now.Add(-time.Minute))
	touch("stale", now.Add(-ActiveThreshold-time.Minute))

	slaves, err := Scan(root, now)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(slaves) != 3 {
		t.Fatalf("scanned %d slaves, want 3", len(slaves))
	}

	byName := map[string]Slave{}
	for _, s := range slaves {
		byName[s.Name] = s
	}
	if !byName["alive"].Active {
		t.Error("fresh heartbeat must scan as active")
	}
	if byName["stale"].Active {
		t.Error("heartbeat older than the threshold must scan as inactive")
	}
	if byName["silent"].Active || !byName["silent"].LastContact.IsZero() {
		t.Error("a slave without a heartbeat must scan as never contacted")
	}
}

func TestScanCurTasks(t *testing.T) {
	root := repo.New(t.TempDir())
	name := "render01"
	if err := os.MkdirAll(root.SlaveDir(name), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := config.Set(root.SlaveSettings(name), SectionInfo, "curtasks", []interface{}{
		[]interface{}{"aaaaaaaaaa", "task0000"},
		[]interface{}{"bbbbbbbbbb", "task0003"},
	}); err != nil {
		t.Fatal(err)
	}

	slaves, err := Scan(root, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(slaves) != 1 {
		t.Fatalf("scanned %d slaves", len(slaves))
	}
	s := slaves[0]
	if len(s.CurTasks) != 2 {
		t.Fatalf("curtasks = %v", s.CurTasks)
	}
	if !s.Holds("aaaaaaaaaa", "task0000") {
		t.Error("Holds missed a held task")
	}
	if s.Holds("aaaaaaaaaa", "task0001") {
		t.Error("Holds reported a task the slave does not hold")
	}
}
