package command

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
	}{
		{"renderTask", RenderTask{JobCode: "aaaaaaaaaa", JobName: "shot010", TaskName: "task0000"}},
		{"taskUpdate finished", TaskUpdate{
			JobCode: "aaaaaaaaaa", TaskName: "task0000", Status: "finished",
			Slave: "render01", Elapsed: "312", Start: "01.02.26 10:00:00",
			End: "01.02.26 10:05:12", OutputCount: 5,
		}},
		{"cancelTask", CancelTask{JobCode: "aaaaaaaaaa", TaskName: "task0001"}},
		{"setSetting bool", SetSetting{TargetType: "Slave", TargetName: "render01", Key: "paused", Value: true}},
		{"deleteJob", DeleteJob{JobCode: "aaaaaaaaaa"}},
		{"restartTask", RestartTask{JobCode: "aaaaaaaaaa", TaskName: "task0002"}},
		{"disableTask", DisableTask{JobCode: "aaaaaaaaaa", TaskName: "task0003", Enable: false}},
		{"collectJob", CollectJob{JobCode: "aaaaaaaaaa", Workstation: "ws01"}},
		{"deleteWarning", DeleteWarning{Target: "render01", Text: "render script missing"}},
		{"clearWarnings", ClearWarnings{Target: "render01"}},
		{"clearLog", ClearLog{Target: "render01"}},
		{"checkConnection", CheckConnection{}},
		{"exitSlave", ExitSlave{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.cmd)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Verb() != tt.cmd.Verb() {
				t.Fatalf("verb = %q, want %q", got.Verb(), tt.cmd.Verb())
			}
			// Value-typed commands compare directly except setSetting,
			// whose interface value changes concrete type in transit.
			if _, isSet := tt.cmd.(SetSetting); !isSet && got != tt.cmd {
				t.Errorf("round trip changed command: %#v -> %#v", tt.cmd, got)
			}
		})
	}
}

func TestWireFormIsJSONArray(t *testing.T) {
	data, err := Encode(RenderTask{JobCode: "aaaaaaaaaa", JobName: "shot010", TaskName: "task0000"})
	if err != nil {
		t.Fatal(err)
	}
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		t.Fatalf("wire form is not a JSON array: %v", err)
	}
	if len(arr) != 4 || arr[0] != "renderTask" {
		t.Errorf("wire form = %v", arr)
	}
}

func TestDecodeTaskUpdateWithoutOutputCount(t *testing.T) {
	// Non-finished reports omit the trailing output count.
	payload := `["taskUpdate", "aaaaaaaaaa", "task0000", "rendering", "render01", "", "01.02.26 10:00:00", ""]`
	cmd, err := Decode([]byte(payload))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	u, ok := cmd.(TaskUpdate)
	if !ok {
		t.Fatalf("decoded as %T", cmd)
	}
	if u.Status != "rendering" || u.OutputCount != 0 {
		t.Errorf("decoded %+v", u)
	}
}

func TestDecodeRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not an array", `{"verb": "renderTask"}`},
		{"empty array", `[]`},
		{"non-string verb", `[42]`},
		{"unknown verb", `["launchMissiles"]`},
		{"arity mismatch", `["cancelTask", "aaaaaaaaaa"]`},
		{"type mismatch", `["disableTask", "aaaaaaaaaa", "task0000", "yes"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.payload)); err == nil {
				t.Errorf("Decode accepted %s", tt.payload)
			}
		})
	}
}

func TestSetSettingValueSurvives(t *testing.T) {
	data, err := Encode(SetSetting{TargetType: "Slave", TargetName: "render01", Key: "maxCPU", Value: 85})
	if err != nil {
		t.Fatal(err)
	}
	cmd, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	s := cmd.(SetSetting)
	// Numbers land as float64 after the JSON round trip.
	if n, ok := s.Value.(float64); !ok || n != 85 {
		t.Errorf("Value = %#v, want 85", s.Value)
	}
}
