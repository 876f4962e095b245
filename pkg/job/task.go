package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus is the scheduling state of one task.
type TaskStatus string

const (
	StatusReady     TaskStatus = "ready"
	StatusAssigned  TaskStatus = "assigned"
	StatusRendering TaskStatus = "rendering"
	StatusFinished  TaskStatus = "finished"
	StatusError     TaskStatus = "error"
	StatusDisabled  TaskStatus = "disabled"
)

// Unassigned is the assignedSlave value of a task no slave holds.
const Unassigned = "unassigned"

// TimeFormat is the timestamp format stored in task records.
const TimeFormat = "02.01.06 15:04:05"

// validTransitions maps from-status to allowed to-statuses. finished and
// error leave only through the explicit restart path back to ready.
var validTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusReady: {
		StatusAssigned: true, // scheduler hands the task to a slave
		StatusDisabled: true,
	},
	StatusAssigned: {
		StatusRendering: true, // slave picked it up and launched
		StatusReady:     true, // reclaimed (timeout, orphan, cancel, restart)
		StatusFinished:  true, // short render, first report already terminal
		StatusError:     true,
		StatusDisabled:  true,
	},
	StatusRendering: {
		StatusFinished: true,
		StatusError:    true,
		StatusReady:    true, // reclaimed
		StatusDisabled: true,
	},
	StatusDisabled: {
		StatusReady: true,
	},
	StatusFinished: {
		StatusReady: true, // explicit restartTask only
	},
	StatusError: {
		StatusReady: true, // explicit restartTask only
	},
}

// ValidTransition reports whether from -> to is an allowed status change.
func ValidTransition(from, to TaskStatus) bool {
	return validTransitions[from][to]
}

// IsTerminal reports whether a status only leaves through restartTask.
func IsTerminal(s TaskStatus) bool {
	return s == StatusFinished || s == StatusError
}

// Task is one frame sub-range of a job. On disk it is a fixed 7-element
// array: [startFrame, endFrame, status, assignedSlave, elapsed, start, end].
type Task struct {
	StartFrame int
	EndFrame   int
	Status     TaskStatus
	Slave      string
	Elapsed    string
	Start      string
	End        string
}

// NewTask returns a ready, unassigned task covering the given frames.
func NewTask(startFrame, endFrame int) Task {
	return Task{
		StartFrame: startFrame,
		EndFrame:   endFrame,
		Status:     StatusReady,
		Slave:      Unassigned,
	}
}

// Reset returns the task to ready and clears assignment and timestamps.
func (t Task) Reset() Task {
	t.Status = StatusReady
	t.Slave = Unassigned
	t.Elapsed = ""
	t.Start = ""
	t.End = ""
	return t
}

// StartedAt parses the start timestamp; ok is false when unset or invalid.
func (t Task) StartedAt() (time.Time, bool) {
	if t.Start == "" {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(TimeFormat, t.Start, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// MarshalJSON writes the 7-element wire record.
func (t Task) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{
		t.StartFrame, t.EndFrame, string(t.Status), t.Slave, t.Elapsed, t.Start, t.End,
	})
}

// UnmarshalJSON reads the 7-element wire record.
func (t *Task) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 7 {
		return fmt.Errorf("task record has %d elements, want 7", len(raw))
	}
	if err := json.Unmarshal(raw[0], &t.StartFrame); err != nil {
		return fmt.Errorf("task startFrame: %w", err)
	}
	if err := json.Unmarshal(raw[1], &t.EndFrame); err != nil {
		return fmt.Errorf("task endFrame: %w", err)
	}
	var status string
	if err := json.Unmarshal(raw[2], &status); err != nil {
		return fmt.Errorf("task status: %w", err)
	}
	t.Status = TaskStatus(status)
	for i, dst := range []*string{&t.Slave, &t.Elapsed, &t.Start, &t.End} {
		if err := json.Unmarshal(raw[3+i], dst); err != nil {
			return fmt.Errorf("task field %d: %w", 3+i, err)
		}
	}
	return nil
}

// TaskName formats the zero-padded sequence name of task index i.
func TaskName(i int) string {
	return fmt.Sprintf("task%04d", i)
}
