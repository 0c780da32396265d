// Package recording owns the single recording session of the device and the
// idle -> scheduled -> recording -> stopping -> idle state machine.
package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sua-org/multicam/internal/capture"
	"github.com/sua-org/multicam/internal/clock"
	"github.com/sua-org/multicam/internal/core"
	"github.com/sua-org/multicam/internal/logging"
	"github.com/sua-org/multicam/internal/metrics"
	"github.com/sua-org/multicam/internal/storage"
)

var log = logging.For("recording")

var (
	ErrAlreadyRecording    = errors.New("recording already in progress")
	ErrNotRecording        = errors.New("no recording in progress")
	ErrTimeNotSynchronized = errors.New("time not synchronized")
	ErrInsufficientStorage = errors.New("insufficient storage")
)

// rearmThreshold: a scheduled start that fires this much early (because the
// offset moved during the wait) is re-armed for the remainder.
const rearmThreshold = 2 * time.Millisecond

type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
)

// Status maps the state to the device status reported on the wire.
func (s State) Status() core.Status {
	switch s {
	case StateScheduled:
		return core.StatusScheduledRecordingAccepted
	case StateRecording:
		return core.StatusRecording
	case StateStopping:
		return core.StatusStopping
	default:
		return core.StatusReady
	}
}

// TimeKeeper is the view of clock sync the machine needs.
type TimeKeeper interface {
	CorrectedNow() time.Time
	IsSynchronized() bool
}

// Store is the view of the file store the machine needs.
type Store interface {
	NewFileName(t time.Time) string
	Path(name string) (string, error)
	Stat(name string) (storage.FileRecord, error)
	FreeBytes() (uint64, error)
}

// Session is a copy of the current recording session.
type Session struct {
	State          State
	FileName       string
	ScheduledStart *time.Time
	StartedAt      *time.Time
	StoppedAt      *time.Time
}

// Result is what a Start or Stop call reports back to the caller.
type Result struct {
	Status   core.Status
	FileName string
	FileSize int64
	Message  string
}

type EventType string

const (
	EventScheduled EventType = "recording_scheduled"
	EventStarted   EventType = "recording_started"
	EventStopped   EventType = "recording_stopped"
	EventCancelled EventType = "recording_cancelled"
	EventFailed    EventType = "recording_failed"
)

type Event struct {
	Type     EventType
	Session  Session
	FileSize int64
	Err      error
}

type Options struct {
	Clock        clock.Clock
	TimeKeeper   TimeKeeper
	Store        Store
	Capturer     capture.Capturer
	MinFreeBytes uint64
}

// Machine is the single writer of the recording session.
type Machine struct {
	clock    clock.Clock
	tk       TimeKeeper
	store    Store
	capturer capture.Capturer
	minFree  uint64

	mu      sync.Mutex
	state   State
	session *Session
	timer   *clock.Timer
	gen     uint64
	hooks   []func(Event)
}

func NewMachine(opts Options) *Machine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Machine{
		clock:    opts.Clock,
		tk:       opts.TimeKeeper,
		store:    opts.Store,
		capturer: opts.Capturer,
		minFree:  opts.MinFreeBytes,
		state:    StateIdle,
	}
}

// OnEvent registers a hook called after every state transition. Hooks run
// outside the session lock and must not block.
func (m *Machine) OnEvent(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

func (m *Machine) emit(hooks []func(Event), ev Event) {
	for _, h := range hooks {
		h(ev)
	}
}

// Snapshot returns the current state and a copy of the session, nil when
// idle.
func (m *Machine) Snapshot() (State, *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return m.state, nil
	}
	s := *m.session
	return m.state, &s
}

// Owns reports whether fileName is the file of the running or stopping
// session. Its contents are not final until Stop returns.
func (m *Machine) Owns(fileName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.session.FileName != "" && m.session.FileName == fileName
}

// Start begins a recording now if requested is not in the future, or
// schedules it for requested in the corrected time domain.
func (m *Machine) Start(ctx context.Context, requested time.Time) (Result, error) {
	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return Result{}, fmt.Errorf("%w (state %s)", ErrAlreadyRecording, state)
	}
	if err := m.checkStorage(); err != nil {
		m.mu.Unlock()
		return Result{}, err
	}

	now := m.tk.CorrectedNow()
	if !requested.After(now) {
		sess, err := m.beginLocked(ctx, now)
		hooks := m.hooks
		m.mu.Unlock()
		if err != nil {
			return Result{}, err
		}
		m.emit(hooks, Event{Type: EventStarted, Session: sess})
		return Result{Status: core.StatusRecording, FileName: sess.FileName}, nil
	}

	if !m.tk.IsSynchronized() {
		m.mu.Unlock()
		return Result{}, ErrTimeNotSynchronized
	}

	m.gen++
	gen := m.gen
	scheduled := requested
	m.state = StateScheduled
	m.session = &Session{State: StateScheduled, ScheduledStart: &scheduled}
	delay := requested.Sub(now)
	m.timer = m.clock.AfterFunc(delay, func() { m.fireScheduled(gen, requested) })
	sess := *m.session
	hooks := m.hooks
	m.mu.Unlock()

	log.Info().Time("start_at", requested).Dur("in", delay).Msg("recording scheduled")
	m.emit(hooks, Event{Type: EventScheduled, Session: sess})
	return Result{Status: core.StatusScheduledRecordingAccepted}, nil
}

func (m *Machine) checkStorage() error {
	if m.minFree == 0 {
		return nil
	}
	free, err := m.store.FreeBytes()
	if err != nil {
		log.Warn().Err(err).Msg("cannot read free space, starting anyway")
		return nil
	}
	if free < m.minFree {
		return fmt.Errorf("%w: %d bytes free, %d required", ErrInsufficientStorage, free, m.minFree)
	}
	return nil
}

// beginLocked opens a session and starts the capture. Must hold m.mu.
func (m *Machine) beginLocked(ctx context.Context, now time.Time) (Session, error) {
	name := m.store.NewFileName(now)
	path, err := m.store.Path(name)
	if err != nil {
		m.resetLocked()
		return Session{}, err
	}
	if err := m.capturer.Start(ctx, path); err != nil {
		m.resetLocked()
		return Session{}, fmt.Errorf("start capture: %w", err)
	}

	started := now
	var scheduled *time.Time
	if m.session != nil {
		scheduled = m.session.ScheduledStart
	}
	m.state = StateRecording
	m.session = &Session{
		State:          StateRecording,
		FileName:       name,
		ScheduledStart: scheduled,
		StartedAt:      &started,
	}
	m.timer = nil
	metrics.RecordingActive.Set(1)
	log.Info().Str("file", name).Time("started_at", started).Msg("recording started")
	return *m.session, nil
}

func (m *Machine) resetLocked() {
	m.state = StateIdle
	m.session = nil
	m.timer = nil
}

func (m *Machine) fireScheduled(gen uint64, requested time.Time) {
	m.mu.Lock()
	if m.state != StateScheduled || m.gen != gen {
		m.mu.Unlock()
		return
	}
	now := m.tk.CorrectedNow()
	if remaining := requested.Sub(now); remaining > rearmThreshold {
		m.timer = m.clock.AfterFunc(remaining, func() { m.fireScheduled(gen, requested) })
		m.mu.Unlock()
		return
	}

	sess, err := m.beginLocked(context.Background(), now)
	hooks := m.hooks
	m.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Time("start_at", requested).Msg("scheduled recording failed to start")
		m.emit(hooks, Event{Type: EventFailed, Session: Session{State: StateIdle, ScheduledStart: &requested}, Err: err})
		return
	}
	metrics.RecordingStartLateness.Observe(now.Sub(requested).Seconds())
	m.emit(hooks, Event{Type: EventStarted, Session: sess})
}

// Stop cancels a scheduled start or finishes the running capture.
func (m *Machine) Stop(ctx context.Context) (Result, error) {
	m.mu.Lock()
	switch m.state {
	case StateScheduled:
		if m.timer != nil {
			m.timer.Stop()
		}
		m.gen++
		sess := *m.session
		m.resetLocked()
		hooks := m.hooks
		m.mu.Unlock()

		log.Info().Msg("scheduled recording cancelled")
		m.emit(hooks, Event{Type: EventCancelled, Session: sess})
		return Result{Status: core.StatusRecordingStopped, Message: "scheduled recording cancelled"}, nil

	case StateRecording:
		m.state = StateStopping
		m.session.State = StateStopping
		sess := *m.session
		m.mu.Unlock()
		return m.finish(ctx, sess)

	default:
		state := m.state
		m.mu.Unlock()
		return Result{}, fmt.Errorf("%w (state %s)", ErrNotRecording, state)
	}
}

// finish runs without the lock while the machine sits in stopping, so status
// reads and rejected starts are served during a slow capture stop.
func (m *Machine) finish(ctx context.Context, sess Session) (Result, error) {
	size, capErr := m.capturer.Stop(ctx)
	if capErr != nil {
		log.Warn().Err(capErr).Str("file", sess.FileName).Msg("capture stop reported an error")
	}
	rec, statErr := m.store.Stat(sess.FileName)

	m.mu.Lock()
	stopped := m.tk.CorrectedNow()
	sess.State = StateIdle
	sess.StoppedAt = &stopped
	m.resetLocked()
	hooks := m.hooks
	m.mu.Unlock()
	metrics.RecordingActive.Set(0)

	if statErr != nil {
		err := fmt.Errorf("finalize %s: %w", sess.FileName, statErr)
		if capErr != nil {
			err = fmt.Errorf("finalize %s: %w (capture: %v)", sess.FileName, statErr, capErr)
		}
		m.emit(hooks, Event{Type: EventFailed, Session: sess, Err: err})
		return Result{}, err
	}
	size = rec.Size

	log.Info().Str("file", sess.FileName).Int64("size", size).Msg("recording stopped")
	m.emit(hooks, Event{Type: EventStopped, Session: sess, FileSize: size})
	return Result{Status: core.StatusRecordingStopped, FileName: sess.FileName, FileSize: size}, nil
}
