package status

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/sua-org/multicam/internal/core"
	"github.com/sua-org/multicam/internal/recording"
)

var now = time.Date(2026, 6, 1, 9, 0, 0, 500_000_000, time.UTC)

type fixedTime struct{}

func (fixedTime) CorrectedNow() time.Time { return now }

type fixedRecorder recording.State

func (r fixedRecorder) Snapshot() (recording.State, *recording.Session) {
	return recording.State(r), nil
}

type fixedQueues struct{ active, failed []core.UploadItem }

func (q fixedQueues) Snapshot() ([]core.UploadItem, []core.UploadItem) { return q.active, q.failed }

type fixedBattery float64

func (b fixedBattery) Level() (float64, bool) { return float64(b), b >= 0 }

func TestSnapshot(t *testing.T) {
	errMsg := "HTTP 500"
	agg := New(Options{
		DeviceID: "cam-a",
		Time:     fixedTime{},
		Recorder: fixedRecorder(recording.StateRecording),
		Queues: fixedQueues{
			active: []core.UploadItem{{FileName: "video_2.mp4", Status: core.UploadUploading}},
			failed: []core.UploadItem{{FileName: "video_1.mp4", Status: core.UploadFailed, Error: &errMsg}},
		},
		Battery: fixedBattery(87),
	})

	if got := agg.DeviceStatus(); got != core.StatusRecording {
		t.Fatalf("DeviceStatus = %s", got)
	}
	resp := agg.Snapshot(agg.DeviceStatus())
	if resp.DeviceID != "cam-a" || resp.Timestamp != 1780304400.5 {
		t.Fatalf("identity %q %v", resp.DeviceID, resp.Timestamp)
	}
	if resp.BatteryLevel == nil || *resp.BatteryLevel != 87 {
		t.Fatalf("battery %v", resp.BatteryLevel)
	}
	if len(resp.UploadQueue) != 1 || len(resp.FailedUploadQueue) != 1 {
		t.Fatalf("queues %v %v", resp.UploadQueue, resp.FailedUploadQueue)
	}
}

func TestSnapshotEncodesNullsAndEmptyQueues(t *testing.T) {
	agg := New(Options{
		DeviceID: "cam-a",
		Time:     fixedTime{},
		Recorder: fixedRecorder(recording.StateIdle),
		Battery:  fixedBattery(-1),
	})
	raw, err := json.Marshal(agg.Snapshot(agg.DeviceStatus()))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if m["status"] != "ready" {
		t.Fatalf("status = %v", m["status"])
	}
	for _, k := range []string{"batteryLevel", "message", "fileName", "fileSize"} {
		v, ok := m[k]
		if !ok || v != nil {
			t.Errorf("%s = %v (present %v), want null", k, v, ok)
		}
	}
	for _, k := range []string{"uploadQueue", "failedUploadQueue"} {
		if q, ok := m[k].([]any); !ok || len(q) != 0 {
			t.Errorf("%s = %v, want []", k, m[k])
		}
	}
	if _, ok := m["files"]; ok {
		t.Error("files present outside LIST_FILES")
	}
}

func TestDeviceStatusFollowsRecordingState(t *testing.T) {
	cases := map[recording.State]core.Status{
		recording.StateIdle:      core.StatusReady,
		recording.StateScheduled: core.StatusScheduledRecordingAccepted,
		recording.StateRecording: core.StatusRecording,
		recording.StateStopping:  core.StatusStopping,
	}
	for state, want := range cases {
		agg := New(Options{Time: fixedTime{}, Recorder: fixedRecorder(state)})
		if got := agg.DeviceStatus(); got != want {
			t.Errorf("%s: %s, want %s", state, got, want)
		}
	}
}

func TestSysfsBattery(t *testing.T) {
	root := t.TempDir()
	mk := func(name, kind, capacity string) {
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		os.WriteFile(filepath.Join(dir, "type"), []byte(kind+"\n"), 0o644)
		if capacity != "" {
			os.WriteFile(filepath.Join(dir, "capacity"), []byte(capacity+"\n"), 0o644)
		}
	}
	mk("AC", "Mains", "")
	mk("BAT0", "Battery", "64")

	b := NewSysfsBattery("", root)
	if b == nil {
		t.Fatal("battery not found")
	}
	if level, ok := b.Level(); !ok || level != 64 {
		t.Fatalf("level %v ok %v", level, ok)
	}

	if got := NewSysfsBattery("", t.TempDir()); got != nil {
		t.Fatal("found battery in empty root")
	}
	var missing *SysfsBattery
	if _, ok := missing.Level(); ok {
		t.Fatal("nil battery reported a level")
	}

	bad := filepath.Join(root, "bad")
	os.WriteFile(bad, []byte("n/a"), 0o644)
	if _, ok := NewSysfsBattery(bad, "").Level(); ok {
		t.Fatal("parsed garbage capacity")
	}
}
