// Package command defines the closed set of farm commands and their wire
// codec. A command travels as a JSON array whose first element is a verb and
// whose remaining elements are positional arguments, e.g.
//
//	["renderTask", "a1b2c3d4e5", "shot010_comp", "task0003"]
//
// The verb set is fixed; unknown verbs are a decode error, never executed.
package command

import (
	"encoding/json"
	"fmt"
)

// Command is one farm command. Implementations are the only values that
// cross a mailbox channel.
type Command interface {
	Verb() string
	args() []interface{}
}

// RenderTask assigns one task of a job to a slave.
type RenderTask struct {
	JobCode  string
	JobName  string
	TaskName string
}

// TaskUpdate reports a task status change from a slave.
type TaskUpdate struct {
	JobCode     string
	TaskName    string
	Status      string
	Slave       string
	Elapsed     string
	Start       string
	End         string
	OutputCount int
}

// CancelTask tells a slave to abandon a task it may be holding.
type CancelTask struct {
	JobCode  string
	TaskName string
}

// SetSetting updates one settings key of a target ("Coordinator", "Slave",
// "Job"). Slave-targeted settings are relayed, not applied locally.
type SetSetting struct {
	TargetType string
	TargetName string
	Key        string
	Value      interface{}
}

// DeleteJob removes a job and all its mirrored copies farm-wide.
type DeleteJob struct {
	JobCode string
}

// RestartTask resets one task back to ready regardless of current state.
type RestartTask struct {
	JobCode  string
	TaskName string
}

// DisableTask toggles a task between disabled and ready.
type DisableTask struct {
	JobCode  string
	TaskName string
	Enable   bool
}

// CollectJob copies a job's rendered output from the slaves' Output areas
// to the job's configured output location.
type CollectJob struct {
	JobCode     string
	Workstation string
}

// DeleteWarning removes one warning entry by its text.
type DeleteWarning struct {
	Target string
	Text   string
}

// ClearWarnings empties a warnings document.
type ClearWarnings struct {
	Target string
}

// ClearLog truncates a log file.
type ClearLog struct {
	Target string
}

// CheckConnection is a liveness ping; receivers touch their heartbeat.
type CheckConnection struct{}

// ExitSlave asks a slave agent to shut down.
type ExitSlave struct{}

func (c RenderTask) Verb() string      { return "renderTask" }
func (c TaskUpdate) Verb() string      { return "taskUpdate" }
func (c CancelTask) Verb() string      { return "cancelTask" }
func (c SetSetting) Verb() string      { return "setSetting" }
func (c DeleteJob) Verb() string       { return "deleteJob" }
func (c RestartTask) Verb() string     { return "restartTask" }
func (c DisableTask) Verb() string     { return "disableTask" }
func (c CollectJob) Verb() string      { return "collectJob" }
func (c DeleteWarning) Verb() string   { return "deleteWarning" }
func (c ClearWarnings) Verb() string   { return "clearWarnings" }
func (c ClearLog) Verb() string        { return "clearLog" }
func (c CheckConnection) Verb() string { return "checkConnection" }
func (c ExitSlave) Verb() string       { return "exitSlave" }

func (c RenderTask) args() []interface{} { return []interface{}{c.JobCode, c.JobName, c.TaskName} }
func (c TaskUpdate) args() []interface{} {
	return []interface{}{c.JobCode, c.TaskName, c.Status, c.Slave, c.Elapsed, c.Start, c.End, c.OutputCount}
}
func (c CancelTask) args() []interface{} { return []interface{}{c.JobCode, c.TaskName} }
func (c SetSetting) args() []interface{} {
	return []interface{}{c.TargetType, c.TargetName, c.Key, c.Value}
}
func (c DeleteJob) args() []interface{}   { return []interface{}{c.JobCode} }
func (c RestartTask) args() []interface{} { return []interface{}{c.JobCode, c.TaskName} }
func (c DisableTask) args() []interface{} {
	return []interface{}{c.JobCode, c.TaskName, c.Enable}
}
func (c CollectJob) args() []interface{}      { return []interface{}{c.JobCode, c.Workstation} }
func (c DeleteWarning) args() []interface{}   { return []interface{}{c.Target, c.Text} }
func (c ClearWarnings) args() []interface{}   { return []interface{}{c.Target} }
func (c ClearLog) args() []interface{}        { return []interface{}{c.Target} }
func (c CheckConnection) args() []interface{} { return nil }
func (c ExitSlave) args() []interface{}       { return nil }

// Encode serializes a command to its wire form.
func Encode(c Command) ([]byte, error) {
	parts := append([]interface{}{c.Verb()}, c.args()...)
	return json.Marshal(parts)
}

// Decode parses a wire payload back into a Command.
func Decode(data []byte) (Command, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("command payload not a JSON array: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty command payload")
	}
	var verb string
	if err := json.Unmarshal(raw[0], &verb); err != nil {
		return nil, fmt.Errorf("command verb not a string: %w", err)
	}
	args := raw[1:]

	switch verb {
	case "renderTask":
		var c RenderTask
		err := positional(verb, args, &c.JobCode, &c.JobName, &c.TaskName)
		return c, err
	case "taskUpdate":
		var c TaskUpdate
		// outputCount is optional; only finished tasks report it.
		if len(args) == 7 {
			err := positional(verb, args, &c.JobCode, &c.TaskName, &c.Status, &c.Slave, &c.Elapsed, &c.Start, &c.End)
			return c, err
		}
		err := positional(verb, args, &c.JobCode, &c.TaskName, &c.Status, &c.Slave, &c.Elapsed, &c.Start, &c.End, &c.OutputCount)
		return c, err
	case "cancelTask":
		var c CancelTask
		err := positional(verb, args, &c.JobCode, &c.TaskName)
		return c, err
	case "setSetting":
		var c SetSetting
		err := positional(verb, args, &c.TargetType, &c.TargetName, &c.Key, &c.Value)
		return c, err
	case "deleteJob":
		var c DeleteJob
		err := positional(verb, args, &c.JobCode)
		return c, err
	case "restartTask":
		var c RestartTask
		err := positional(verb, args, &c.JobCode, &c.TaskName)
		return c, err
	case "disableTask":
		var c DisableTask
		err := positional(verb, args, &c.JobCode, &c.TaskName, &c.Enable)
		return c, err
	case "collectJob":
		var c CollectJob
		err := positional(verb, args, &c.JobCode, &c.Workstation)
		return c, err
	case "deleteWarning":
		var c DeleteWarning
		err := positional(verb, args, &c.Target, &c.Text)
		return c, err
	case "clearWarnings":
		var c ClearWarnings
		err := positional(verb, args, &c.Target)
		return c, err
	case "clearLog":
		var c ClearLog
		err := positional(verb, args, &c.Target)
		return c, err
	case "checkConnection":
		return CheckConnection{}, nil
	case "exitSlave":
		return ExitSlave{}, nil
	}
	return nil, fmt.Errorf("unknown command verb %q", verb)
}

func positional(verb string, args []json.RawMessage, dests ...interface{}) error {
	if len(args) != len(dests) {
		return fmt.Errorf("%s: expected %d args, got %d", verb, len(dests), len(args))
	}
	for i, d := range dests {
		if err := json.Unmarshal(args[i], d); err != nil {
			return fmt.Errorf("%s: arg %d: %w", verb, i, err)
		}
	}
	return nil
}
