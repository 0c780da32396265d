// Package upload runs the device's cloud upload queue.
//
// Enqueue returns at once; workers drain the active queue in FIFO order in
// the background. A successful upload deletes the local file and drops the
// item. An item that exhausts its attempts moves to the failed queue, where it
// stays until the same file is enqueued again.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sua-org/multicam/internal/clock"
	"github.com/sua-org/multicam/internal/core"
	"github.com/sua-org/multicam/internal/logging"
	"github.com/sua-org/multicam/internal/metrics"
	"github.com/sua-org/multicam/internal/storage"
)

var log = logging.For("upload")

// ErrFileInUse rejects a file the recorder is still writing.
var ErrFileInUse = errors.New("file is being recorded")

// ErrStalled cancels an attempt that made no progress for the stall timeout.
var ErrStalled = errors.New("upload stalled")

const (
	DefaultStallTimeout = 600 * time.Second
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 5 * time.Second
	DefaultMaxBackoff   = 5 * time.Minute
)

// Store is the view of the file store the manager needs.
type Store interface {
	Stat(name string) (storage.FileRecord, error)
	Open(name string) (*os.File, storage.FileRecord, error)
	Delete(name string) error
}

type Options struct {
	Store    Store
	Uploader Uploader
	Clock    clock.Clock
	// InUse reports files that must not be uploaded or deleted yet.
	InUse func(fileName string) bool

	// Concurrency is the number of workers. Default 1.
	Concurrency  int
	StallTimeout time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	// BandwidthLimit caps the combined throughput of all workers in bytes
	// per second. 0 disables.
	BandwidthLimit int
}

type EventType string

const (
	EventQueued    EventType = "upload_queued"
	EventRetrying  EventType = "upload_retrying"
	EventCompleted EventType = "upload_completed"
	EventFailed    EventType = "upload_failed"
)

type Event struct {
	Type EventType
	ID   uuid.UUID
	Item core.UploadItem
	Err  error
}

type item struct {
	id        uuid.UUID
	view      core.UploadItem
	dest      core.Destination
	attempts  int
	notBefore time.Time
}

type Manager struct {
	opts    Options
	clock   clock.Clock
	limiter *rate.Limiter

	mu     sync.Mutex
	active []*item
	failed []*item
	hooks  []func(Event)

	wake chan struct{}
}

func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.MaxBackoff < opts.RetryBackoff {
		opts.MaxBackoff = DefaultMaxBackoff
		if opts.MaxBackoff < opts.RetryBackoff {
			opts.MaxBackoff = opts.RetryBackoff
		}
	}
	return &Manager{
		opts:    opts,
		clock:   opts.Clock,
		limiter: newLimiter(opts.BandwidthLimit),
		wake:    make(chan struct{}, 1),
	}
}

func (m *Manager) String() string { return "upload" }

// OnEvent registers a hook called on queue transitions, outside the lock.
func (m *Manager) OnEvent(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	hooks := m.hooks
	m.mu.Unlock()
	for _, h := range hooks {
		h(ev)
	}
}

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Enqueue queues fileName for upload to dest. A file already in the active
// queue returns its current item. A file in the failed queue is moved back to
// the active queue with a fresh attempt budget.
func (m *Manager) Enqueue(fileName string, dest core.Destination) (core.UploadItem, error) {
	if m.inUse(fileName) {
		return core.UploadItem{}, fmt.Errorf("%w: %s", ErrFileInUse, fileName)
	}
	rec, err := m.opts.Store.Stat(fileName)
	if err != nil {
		return core.UploadItem{}, err
	}

	m.mu.Lock()
	if i := indexOf(m.active, fileName); i >= 0 {
		view := m.active[i].view
		m.mu.Unlock()
		log.Info().Str("file", fileName).Msg("already queued")
		return view, nil
	}
	retried := false
	if i := indexOf(m.failed, fileName); i >= 0 {
		m.failed = append(m.failed[:i], m.failed[i+1:]...)
		retried = true
	}
	it := &item{
		id:   uuid.New(),
		dest: dest,
		view: core.UploadItem{
			FileName:  rec.Name,
			FileSize:  rec.Size,
			Status:    core.UploadQueued,
			UploadURL: dest.String(),
		},
	}
	m.active = append(m.active, it)
	view := it.view
	m.updateGaugesLocked()
	m.mu.Unlock()

	log.Info().Str("file", fileName).Str("id", it.id.String()).Str("dest", dest.String()).
		Bool("retry", retried).Msg("upload queued")
	m.notify()
	m.emit(Event{Type: EventQueued, ID: it.id, Item: view})
	return view, nil
}

func (m *Manager) inUse(fileName string) bool {
	return m.opts.InUse != nil && m.opts.InUse(fileName)
}

// Snapshot returns copies of the active and failed queues in FIFO order.
// Both slices are non-nil.
func (m *Manager) Snapshot() (active, failed []core.UploadItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active = make([]core.UploadItem, len(m.active))
	for i, it := range m.active {
		active[i] = it.view
	}
	failed = make([]core.UploadItem, len(m.failed))
	for i, it := range m.failed {
		failed[i] = it.view
	}
	return active, failed
}

func indexOf(items []*item, fileName string) int {
	for i, it := range items {
		if it.view.FileName == fileName {
			return i
		}
	}
	return -1
}

func (m *Manager) updateGaugesLocked() {
	metrics.UploadQueueLength.WithLabelValues("active").Set(float64(len(m.active)))
	metrics.UploadQueueLength.WithLabelValues("failed").Set(float64(len(m.failed)))
}

// Serve runs the workers until ctx is done. It implements suture.Service.
func (m *Manager) Serve(ctx context.Context) error {
	log.Info().Int("workers", m.opts.Concurrency).Dur("stall_timeout", m.opts.StallTimeout).
		Int("max_attempts", m.opts.MaxAttempts).Msg("upload workers starting")
	var wg sync.WaitGroup
	for i := 0; i < m.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.work(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (m *Manager) work(ctx context.Context) {
	for {
		it, wait := m.next()
		if it != nil {
			m.process(ctx, it)
			continue
		}
		var retry <-chan time.Time
		if wait > 0 {
			retry = m.clock.After(wait)
		}
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-retry:
		}
	}
}

// next claims the first queued item whose backoff has elapsed. When none is
// eligible it returns the wait until the earliest backoff ends, or 0.
func (m *Manager) next() (*item, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var claimed *item
	var wait time.Duration
	more := false
	for _, it := range m.active {
		if it.view.Status != core.UploadQueued {
			continue
		}
		if d := it.notBefore.Sub(now); d > 0 {
			if wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		if claimed != nil {
			more = true
			break
		}
		claimed = it
	}
	if claimed == nil {
		return nil, wait
	}
	claimed.view.Status = core.UploadUploading
	claimed.attempts++
	if more {
		m.notify()
	}
	return claimed, 0
}

func (m *Manager) process(ctx context.Context, it *item) {
	name := it.view.FileName
	log.Info().Str("file", name).Int("attempt", it.attempts).Msg("upload started")

	start := m.clock.Now()
	size, err := m.attempt(ctx, it)

	if err != nil && ctx.Err() != nil {
		// shutting down: leave the item for the next run without spending an attempt
		m.mu.Lock()
		it.view.Status = core.UploadQueued
		it.attempts--
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.fail(it, err)
		return
	}

	if m.inUse(name) {
		log.Warn().Str("file", name).Msg("uploaded file is being recorded again, keeping it")
	} else if derr := m.opts.Store.Delete(name); derr != nil {
		log.Warn().Err(derr).Str("file", name).Msg("uploaded file could not be deleted")
	}

	m.mu.Lock()
	if i := indexOf(m.active, name); i >= 0 && m.active[i] == it {
		m.active = append(m.active[:i], m.active[i+1:]...)
	}
	it.view.Status = core.UploadCompleted
	it.view.BytesUploaded = size
	it.view.UploadProgress = 100
	it.view.Error = nil
	view := it.view
	m.updateGaugesLocked()
	m.mu.Unlock()

	metrics.UploadsTotal.WithLabelValues("completed").Inc()
	log.Info().Str("file", name).Int64("size", size).Dur("took", m.clock.Now().Sub(start)).Msg("upload completed")
	m.emit(Event{Type: EventCompleted, ID: it.id, Item: view})
}

// attempt streams the file once. It returns the byte count on success.
func (m *Manager) attempt(ctx context.Context, it *item) (int64, error) {
	f, rec, err := m.opts.Store.Open(it.view.FileName)
	if err != nil {
		return 0, permanent(err)
	}
	defer f.Close()

	m.mu.Lock()
	it.view.FileSize = rec.Size
	it.view.BytesUploaded = 0
	it.view.UploadProgress = 0
	it.view.UploadSpeed = 0
	m.mu.Unlock()

	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var progressMu sync.Mutex
	lastProgress := m.clock.Now()
	var reported int64

	body := newProgressReader(actx, f, m.limiter, m.clock, func(total int64, speed float64) {
		progressMu.Lock()
		lastProgress = m.clock.Now()
		delta := total - reported
		reported = total
		progressMu.Unlock()
		metrics.UploadBytesTotal.Add(float64(delta))

		m.mu.Lock()
		it.view.BytesUploaded = total
		if rec.Size > 0 {
			it.view.UploadProgress = float64(total) * 100 / float64(rec.Size)
		}
		it.view.UploadSpeed = int64(speed)
		m.mu.Unlock()
	})

	stopWatch := m.watchStall(actx, cancel, func() time.Time {
		progressMu.Lock()
		defer progressMu.Unlock()
		return lastProgress
	})
	defer stopWatch()

	err = m.opts.Uploader.Upload(actx, it.dest, body, rec.Size)
	if cause := context.Cause(actx); errors.Is(cause, ErrStalled) {
		return 0, fmt.Errorf("%w: no progress for %s", ErrStalled, m.opts.StallTimeout)
	}
	if err != nil {
		return 0, err
	}
	return rec.Size, nil
}

// watchStall cancels the attempt with ErrStalled once last() is older than
// the stall timeout.
func (m *Manager) watchStall(ctx context.Context, cancel context.CancelCauseFunc, last func() time.Time) func() {
	interval := m.opts.StallTimeout / 10
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := m.clock.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if now.Sub(last()) >= m.opts.StallTimeout {
					cancel(ErrStalled)
					return
				}
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

func (m *Manager) fail(it *item, err error) {
	msg := err.Error()

	m.mu.Lock()
	it.view.Error = &msg
	it.view.UploadSpeed = 0
	retry := it.attempts < m.opts.MaxAttempts && !IsPermanent(err)
	if retry {
		it.view.Status = core.UploadQueued
		it.notBefore = m.clock.Now().Add(m.backoff(it.attempts))
	} else {
		if i := indexOf(m.active, it.view.FileName); i >= 0 && m.active[i] == it {
			m.active = append(m.active[:i], m.active[i+1:]...)
		}
		it.view.Status = core.UploadFailed
		m.failed = append(m.failed, it)
	}
	view := it.view
	attempts := it.attempts
	retryAt := it.notBefore
	m.updateGaugesLocked()
	m.mu.Unlock()

	if retry {
		metrics.UploadsTotal.WithLabelValues("retried").Inc()
		log.Warn().Err(err).Str("file", view.FileName).Int("attempt", attempts).Time("retry_at", retryAt).Msg("upload attempt failed")
		m.notify()
		m.emit(Event{Type: EventRetrying, ID: it.id, Item: view, Err: err})
		return
	}
	metrics.UploadsTotal.WithLabelValues("failed").Inc()
	log.Error().Err(err).Str("file", view.FileName).Int("attempts", attempts).Msg("upload failed")
	m.emit(Event{Type: EventFailed, ID: it.id, Item: view, Err: err})
}

// backoff returns the delay after the given number of failed attempts.
func (m *Manager) backoff(attempts int) time.Duration {
	d := m.opts.RetryBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= m.opts.MaxBackoff {
			return m.opts.MaxBackoff
		}
	}
	return d
}
