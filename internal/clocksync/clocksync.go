// Package clocksync keeps an offset between the local clock and a reference
// network time source so recording starts can be scheduled in a time domain
// shared by every device of a rig.
package clocksync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sua-org/multicam/internal/clock"
	"github.com/sua-org/multicam/internal/logging"
	"github.com/sua-org/multicam/internal/metrics"
)

var log = logging.For("clocksync")

// ErrNoValidSamples is returned when every query failed or exceeded MaxRTT.
var ErrNoValidSamples = errors.New("no valid time samples")

// samplesUsed is how many of the lowest-RTT samples feed the average.
const samplesUsed = 3

// Sample is one reference time query.
type Sample struct {
	// Reference is the time reported by the reference source.
	Reference time.Time
	// Received is the local clock reading when the reply arrived.
	Received time.Time
	RTT      time.Duration
}

// TimeSource answers a single reference time query.
type TimeSource interface {
	Query(ctx context.Context) (Sample, error)
}

// Offset is a read-only copy of the sync state.
type Offset struct {
	Offset       time.Duration
	SyncedAt     time.Time
	BestRTT      time.Duration
	SampleCount  int
	Synchronized bool
}

type Config struct {
	// Interval between background resyncs.
	Interval time.Duration
	// MaxRTT discards slower samples.
	MaxRTT time.Duration
	// Samples is the number of queries per sync, 3 or 4.
	Samples int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 300 * time.Second
	}
	if c.MaxRTT <= 0 {
		c.MaxRTT = 500 * time.Millisecond
	}
	if c.Samples < samplesUsed {
		c.Samples = samplesUsed
	}
	if c.Samples > 4 {
		c.Samples = 4
	}
}

// Service owns the clock offset. Reads never wait on a sync in progress.
type Service struct {
	source TimeSource
	clock  clock.Clock
	cfg    Config

	mu    sync.RWMutex
	state Offset

	syncing atomic.Bool
}

func New(source TimeSource, clk clock.Clock, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{source: source, clock: clk, cfg: cfg}
}

func (s *Service) String() string { return "clocksync" }

// CorrectedNow is the local clock plus the last known offset.
func (s *Service) CorrectedNow() time.Time {
	s.mu.RLock()
	off := s.state.Offset
	s.mu.RUnlock()
	return s.clock.Now().Add(off)
}

func (s *Service) IsSynchronized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Synchronized
}

func (s *Service) Offset() Offset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Sync queries the source and replaces the offset on success. On failure the
// previous offset is kept for CorrectedNow but the service reports itself
// unsynchronized. A Sync started while another is running returns at once.
func (s *Service) Sync(ctx context.Context) error {
	if !s.syncing.CompareAndSwap(false, true) {
		return nil
	}
	defer s.syncing.Store(false)

	samples := make([]Sample, 0, s.cfg.Samples)
	for i := 0; i < s.cfg.Samples; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		sample, err := s.source.Query(ctx)
		if err != nil {
			log.Debug().Err(err).Int("attempt", i+1).Msg("time query failed")
			continue
		}
		samples = append(samples, sample)
	}

	offset, bestRTT, used, err := estimateOffset(samples, s.cfg.MaxRTT)
	if err != nil {
		s.mu.Lock()
		s.state.Synchronized = false
		s.mu.Unlock()
		metrics.ClockSynchronized.Set(0)
		return fmt.Errorf("clock sync: %w", err)
	}

	s.mu.Lock()
	s.state = Offset{
		Offset:       offset,
		SyncedAt:     s.clock.Now(),
		BestRTT:      bestRTT,
		SampleCount:  used,
		Synchronized: true,
	}
	s.mu.Unlock()

	metrics.ClockSynchronized.Set(1)
	metrics.ClockOffsetSeconds.Set(offset.Seconds())
	metrics.ClockBestRTTSeconds.Set(bestRTT.Seconds())
	log.Info().
		Dur("offset", offset).
		Dur("best_rtt", bestRTT).
		Int("samples", used).
		Msg("clock synchronized")
	return nil
}

// estimateOffset averages reference - received + rtt/2 over the lowest-RTT
// samples that are within maxRTT.
func estimateOffset(samples []Sample, maxRTT time.Duration) (time.Duration, time.Duration, int, error) {
	valid := make([]Sample, 0, len(samples))
	for _, sm := range samples {
		if sm.RTT < 0 || sm.RTT > maxRTT {
			continue
		}
		valid = append(valid, sm)
	}
	if len(valid) == 0 {
		return 0, 0, 0, ErrNoValidSamples
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].RTT < valid[j].RTT })
	if len(valid) > samplesUsed {
		valid = valid[:samplesUsed]
	}

	var sum time.Duration
	for _, sm := range valid {
		sum += sm.Reference.Sub(sm.Received) + sm.RTT/2
	}
	return sum / time.Duration(len(valid)), valid[0].RTT, len(valid), nil
}

// Serve syncs once, then every Interval until ctx ends. Sync failures are
// logged and never stop the loop.
func (s *Service) Serve(ctx context.Context) error {
	s.syncAndLog(ctx)

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.syncAndLog(ctx)
		}
	}
}

func (s *Service) syncAndLog(ctx context.Context) {
	if err := s.Sync(ctx); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("clock sync failed, device unsynchronized")
	}
}
