package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/sua-org/multicam/internal/clocksync"
	"github.com/sua-org/multicam/internal/core"
	"github.com/sua-org/multicam/internal/recording"
	"github.com/sua-org/multicam/internal/upload"
)

type message struct {
	topic    string
	retained bool
	payload  map[string]interface{}
}

type fakeBroker struct {
	mu   sync.Mutex
	msgs []message
	got  chan struct{}
}

func newFakeBroker() *fakeBroker { return &fakeBroker{got: make(chan struct{}, 64)} }

func (b *fakeBroker) Publish(topic string, _ byte, retained bool, payload []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	b.mu.Lock()
	b.msgs = append(b.msgs, message{topic: topic, retained: retained, payload: m})
	b.mu.Unlock()
	b.got <- struct{}{}
	return nil
}

func (b *fakeBroker) wait(t *testing.T, n int) []message {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		b.mu.Lock()
		if len(b.msgs) >= n {
			out := append([]message(nil), b.msgs...)
			b.mu.Unlock()
			return out
		}
		b.mu.Unlock()
		select {
		case <-b.got:
		case <-timeout:
			t.Fatalf("timed out waiting for %d messages", n)
		}
	}
}

type fakeStatus struct{}

func (fakeStatus) DeviceStatus() core.Status { return core.StatusRecording }
func (fakeStatus) Snapshot(status core.Status) core.StatusResponse {
	return core.StatusResponse{
		DeviceID:          "cam-a",
		Status:            status,
		Timestamp:         1780304400,
		BatteryLevel:      core.Ptr(55.0),
		UploadQueue:       []core.UploadItem{{FileName: "video_1.mp4"}},
		FailedUploadQueue: []core.UploadItem{},
	}
}

type fakeClock struct{}

func (fakeClock) Offset() clocksync.Offset {
	return clocksync.Offset{
		Offset:       12 * time.Millisecond,
		BestRTT:      4 * time.Millisecond,
		SampleCount:  3,
		Synchronized: true,
		SyncedAt:     time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

type fakeRecording struct{}

func (fakeRecording) Snapshot() (recording.State, *recording.Session) {
	started := time.Unix(1780304400, 0)
	return recording.StateRecording, &recording.Session{State: recording.StateRecording, FileName: "video_1780304400.mp4", StartedAt: &started}
}

type fakeDisk struct{}

func (fakeDisk) FreeBytes() (uint64, error) { return 1 << 30, nil }

func newTestSupervisor(broker *fakeBroker) *Supervisor {
	return New(Options{
		MQTT:       broker,
		BaseTopic:  "multicam/devices/",
		DeviceID:   "cam-a",
		DeviceType: "rpi",
		Interval:   time.Hour,
		Status:     fakeStatus{},
		Clock:      fakeClock{},
		Recording:  fakeRecording{},
		Disk:       fakeDisk{},
	})
}

func TestTopics(t *testing.T) {
	s := newTestSupervisor(newFakeBroker())
	if got := s.StatusTopic(); got != "multicam/devices/cam-a/status" {
		t.Fatalf("status topic %q", got)
	}
	if got := s.EventTopic(); got != "multicam/devices/cam-a/events" {
		t.Fatalf("event topic %q", got)
	}
}

func TestServePublishesStatusAndEvents(t *testing.T) {
	broker := newFakeBroker()
	s := newTestSupervisor(broker)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	msgs := broker.wait(t, 1)
	status := msgs[0]
	if status.topic != s.StatusTopic() || !status.retained {
		t.Fatalf("first message %s retained=%v", status.topic, status.retained)
	}
	p := status.payload
	if p["deviceId"] != "cam-a" || p["status"] != "recording" || p["deviceType"] != "rpi" {
		t.Fatalf("status payload %v", p)
	}
	if p["uploadQueue"] != float64(1) || p["disk_free_bytes"] != float64(1<<30) || p["batteryLevel"] != 55.0 {
		t.Fatalf("status payload %v", p)
	}
	clk, _ := p["clock"].(map[string]interface{})
	if clk["synchronized"] != true || clk["offset_ms"] != 12.0 {
		t.Fatalf("clock %v", clk)
	}
	rec, _ := p["recording"].(map[string]interface{})
	if rec["fileName"] != "video_1780304400.mp4" {
		t.Fatalf("recording %v", rec)
	}

	s.RecordingEvent(recording.Event{Type: recording.EventStopped, Session: recording.Session{FileName: "video_1780304400.mp4"}, FileSize: 2048})
	errMsg := "HTTP 500"
	s.UploadEvent(upload.Event{
		Type: upload.EventFailed,
		ID:   uuid.New(),
		Item: core.UploadItem{FileName: "video_1.mp4", Status: core.UploadFailed, Error: &errMsg},
		Err:  errors.New(errMsg),
	})

	msgs = broker.wait(t, 3)
	stopped, failed := msgs[1], msgs[2]
	if stopped.topic != s.EventTopic() || stopped.retained || stopped.payload["event"] != "recording_stopped" ||
		stopped.payload["fileSize"] != float64(2048) {
		t.Fatalf("stop event %+v", stopped)
	}
	if failed.payload["event"] != "upload_failed" || failed.payload["error"] != "HTTP 500" || failed.payload["deviceId"] != "cam-a" {
		t.Fatalf("upload event %+v", failed)
	}
	item, _ := failed.payload["item"].(map[string]interface{})
	if item["fileName"] != "video_1.mp4" || item["status"] != "failed" {
		t.Fatalf("item %v", item)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve returned %v", err)
	}
}

func TestEventQueueNeverBlocks(t *testing.T) {
	s := newTestSupervisor(newFakeBroker())
	for i := 0; i < eventBuffer*2; i++ {
		s.RecordingEvent(recording.Event{Type: recording.EventStarted})
	}
	if len(s.events) != eventBuffer {
		t.Fatalf("queued %d events", len(s.events))
	}
}

func TestOfflinePayload(t *testing.T) {
	var m map[string]string
	if err := json.Unmarshal(OfflinePayload("cam-a"), &m); err != nil {
		t.Fatal(err)
	}
	if m["deviceId"] != "cam-a" || m["status"] != "offline" {
		t.Fatalf("payload %v", m)
	}
}

func TestStatusTopicMatchesWill(t *testing.T) {
	s := newTestSupervisor(newFakeBroker())
	if got := StatusTopic("multicam/devices", "cam-a"); got != s.StatusTopic() {
		t.Fatalf("will topic %q, status topic %q", got, s.StatusTopic())
	}
}
