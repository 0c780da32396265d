package recording

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sua-org/multicam/internal/clock"
	"github.com/sua-org/multicam/internal/core"
	"github.com/sua-org/multicam/internal/storage"
)

var epoch = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeTime struct {
	clock  *clock.FakeClock
	offset time.Duration
	synced bool
}

func (f *fakeTime) CorrectedNow() time.Time { return f.clock.Now().Add(f.offset) }
func (f *fakeTime) IsSynchronized() bool    { return f.synced }

// fakeCapturer writes a fixed payload to the path on Start.
type fakeCapturer struct {
	mu       sync.Mutex
	path     string
	payload  []byte
	starts   int
	stops    int
	startErr error
}

func (c *fakeCapturer) Start(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.starts++
	c.path = path
	return os.WriteFile(path, c.payload, 0o644)
}

func (c *fakeCapturer) Stop(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return int64(len(c.payload)), nil
}

type harness struct {
	clock *clock.FakeClock
	time  *fakeTime
	store *storage.FileStore
	cap   *fakeCapturer
	m     *Machine

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, synced bool) *harness {
	t.Helper()
	clk := clock.Fake(epoch)
	store, err := storage.NewFileStore(t.TempDir(), ".mp4")
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		clock: clk,
		time:  &fakeTime{clock: clk, offset: 250 * time.Millisecond, synced: synced},
		store: store,
		cap:   &fakeCapturer{payload: []byte("0123456789")},
	}
	h.m = NewMachine(Options{Clock: clk, TimeKeeper: h.time, Store: store, Capturer: h.cap})
	h.m.OnEvent(func(ev Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, ev)
	})
	return h
}

func (h *harness) eventTypes() []EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]EventType, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Type
	}
	return out
}

func TestImmediateStartAndStop(t *testing.T) {
	for _, offset := range []time.Duration{0, -time.Hour, -time.Millisecond} {
		h := newHarness(t, false)
		ctx := context.Background()
		requested := h.time.CorrectedNow().Add(offset)

		res, err := h.m.Start(ctx, requested)
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		if res.Status != core.StatusRecording {
			t.Fatalf("status = %s", res.Status)
		}
		wantName := "video_1780304400.mp4"
		if res.FileName != wantName {
			t.Fatalf("file name = %q, want %q", res.FileName, wantName)
		}
		state, sess := h.m.Snapshot()
		if state != StateRecording || sess == nil || sess.StartedAt == nil || sess.FileName != wantName {
			t.Fatalf("state %s session %+v", state, sess)
		}
		if !sess.StartedAt.Equal(h.time.CorrectedNow()) {
			t.Fatalf("startedAt = %v", sess.StartedAt)
		}

		res, err = h.m.Stop(ctx)
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
		if res.Status != core.StatusRecordingStopped || res.FileName != wantName || res.FileSize != 10 {
			t.Fatalf("stop result %+v", res)
		}
		if state, sess := h.m.Snapshot(); state != StateIdle || sess != nil {
			t.Fatalf("after stop: %s %+v", state, sess)
		}
		if got := h.eventTypes(); len(got) != 2 || got[0] != EventStarted || got[1] != EventStopped {
			t.Fatalf("events = %v", got)
		}
	}
}

func TestStartRejectedWhileActive(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	if _, err := h.m.Start(ctx, h.time.CorrectedNow()); err != nil {
		t.Fatal(err)
	}
	_, before := h.m.Snapshot()

	for _, req := range []time.Time{h.time.CorrectedNow(), h.time.CorrectedNow().Add(time.Minute)} {
		if _, err := h.m.Start(ctx, req); !errors.Is(err, ErrAlreadyRecording) {
			t.Fatalf("err = %v, want ErrAlreadyRecording", err)
		}
	}
	_, after := h.m.Snapshot()
	if after.FileName != before.FileName || !after.StartedAt.Equal(*before.StartedAt) {
		t.Fatalf("session mutated: %+v -> %+v", before, after)
	}
	if h.cap.starts != 1 {
		t.Fatalf("capture started %d times", h.cap.starts)
	}
}

func TestStartRejectedWhileScheduled(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	at := h.time.CorrectedNow().Add(3 * time.Second)
	if _, err := h.m.Start(ctx, at); err != nil {
		t.Fatal(err)
	}
	if _, err := h.m.Start(ctx, h.time.CorrectedNow()); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("err = %v", err)
	}
	_, sess := h.m.Snapshot()
	if sess.ScheduledStart == nil || !sess.ScheduledStart.Equal(at) {
		t.Fatalf("scheduled start changed: %+v", sess)
	}
}

func TestFutureStartRequiresSync(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.m.Start(context.Background(), h.time.CorrectedNow().Add(time.Second))
	if !errors.Is(err, ErrTimeNotSynchronized) {
		t.Fatalf("err = %v", err)
	}
	if state, sess := h.m.Snapshot(); state != StateIdle || sess != nil {
		t.Fatalf("state %s session %+v", state, sess)
	}
	if h.clock.Pending() != 0 {
		t.Fatal("timer armed for unsynchronized start")
	}
	if len(h.eventTypes()) != 0 {
		t.Fatal("events emitted")
	}
}

func TestScheduledStartFiresAtRequestedTime(t *testing.T) {
	h := newHarness(t, true)
	at := h.time.CorrectedNow().Add(3 * time.Second)

	res, err := h.m.Start(context.Background(), at)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != core.StatusScheduledRecordingAccepted {
		t.Fatalf("status = %s", res.Status)
	}
	if state, _ := h.m.Snapshot(); state != StateScheduled {
		t.Fatalf("state = %s", state)
	}

	h.clock.Advance(2999 * time.Millisecond)
	if state, _ := h.m.Snapshot(); state != StateScheduled {
		t.Fatalf("started early, state = %s", state)
	}
	h.clock.Advance(time.Millisecond)

	state, sess := h.m.Snapshot()
	if state != StateRecording {
		t.Fatalf("state = %s", state)
	}
	if !sess.StartedAt.Equal(at) {
		t.Fatalf("started at %v, want %v", sess.StartedAt, at)
	}
	if sess.FileName != h.store.NewFileName(at) {
		t.Fatalf("file name = %q", sess.FileName)
	}
	if got := h.eventTypes(); len(got) != 2 || got[0] != EventScheduled || got[1] != EventStarted {
		t.Fatalf("events = %v", got)
	}
}

func TestScheduledStartRearmsWhenOffsetMoves(t *testing.T) {
	h := newHarness(t, true)
	at := h.time.CorrectedNow().Add(time.Second)
	if _, err := h.m.Start(context.Background(), at); err != nil {
		t.Fatal(err)
	}
	// a resync pulls corrected time back by 100ms during the wait
	h.time.offset -= 100 * time.Millisecond

	h.clock.Advance(time.Second)
	if state, _ := h.m.Snapshot(); state != StateScheduled {
		t.Fatalf("started before corrected target, state = %s", state)
	}
	h.clock.Advance(100 * time.Millisecond)
	state, sess := h.m.Snapshot()
	if state != StateRecording || !sess.StartedAt.Equal(at) {
		t.Fatalf("state %s session %+v", state, sess)
	}
}

func TestStopCancelsScheduledStart(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	if _, err := h.m.Start(ctx, h.time.CorrectedNow().Add(5*time.Second)); err != nil {
		t.Fatal(err)
	}

	res, err := h.m.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.Status != core.StatusRecordingStopped || res.FileName != "" {
		t.Fatalf("result %+v", res)
	}

	h.clock.Advance(10 * time.Second)
	if state, sess := h.m.Snapshot(); state != StateIdle || sess != nil {
		t.Fatalf("timer fired after cancel: %s %+v", state, sess)
	}
	if h.cap.starts != 0 {
		t.Fatal("capture started after cancel")
	}
	files, _ := h.store.List()
	if len(files) != 0 {
		t.Fatalf("files produced: %v", files)
	}
}

func TestStopWhileIdle(t *testing.T) {
	h := newHarness(t, true)
	if _, err := h.m.Stop(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("err = %v", err)
	}
	if state, sess := h.m.Snapshot(); state != StateIdle || sess != nil {
		t.Fatalf("state changed: %s %+v", state, sess)
	}
}

func TestCaptureFailureLeavesIdle(t *testing.T) {
	h := newHarness(t, true)
	h.cap.startErr = errors.New("no camera")
	if _, err := h.m.Start(context.Background(), h.time.CorrectedNow()); err == nil {
		t.Fatal("expected error")
	}
	if state, sess := h.m.Snapshot(); state != StateIdle || sess != nil {
		t.Fatalf("state %s session %+v", state, sess)
	}
}

func TestMissingOutputFailsStop(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	if _, err := h.m.Start(ctx, h.time.CorrectedNow()); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(h.cap.path); err != nil {
		t.Fatal(err)
	}
	if _, err := h.m.Stop(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if state, _ := h.m.Snapshot(); state != StateIdle {
		t.Fatalf("state = %s", state)
	}
}

type fullStore struct{ *storage.FileStore }

func (fullStore) FreeBytes() (uint64, error) { return 1024, nil }

func TestInsufficientStorage(t *testing.T) {
	h := newHarness(t, true)
	m := NewMachine(Options{Clock: h.clock, TimeKeeper: h.time, Store: fullStore{h.store}, Capturer: h.cap, MinFreeBytes: 1 << 20})
	if _, err := m.Start(context.Background(), h.time.CorrectedNow()); !errors.Is(err, ErrInsufficientStorage) {
		t.Fatalf("err = %v", err)
	}
}

func TestConcurrentStartsYieldOneSession(t *testing.T) {
	h := newHarness(t, true)
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.m.Start(context.Background(), h.time.CorrectedNow()); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ok != 1 {
		t.Fatalf("%d concurrent starts succeeded", ok)
	}
}

func TestStateStatus(t *testing.T) {
	cases := map[State]core.Status{
		StateIdle:      core.StatusReady,
		StateScheduled: core.StatusScheduledRecordingAccepted,
		StateRecording: core.StatusRecording,
		StateStopping:  core.StatusStopping,
	}
	for s, want := range cases {
		if got := s.Status(); got != want {
			t.Errorf("%s.Status() = %s, want %s", s, got, want)
		}
	}
}
