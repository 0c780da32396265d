// Package status assembles the response every command answers with: device
// identity, corrected time, battery and both upload queues.
package status

import (
	"time"

	"github.com/sua-org/multicam/internal/core"
	"github.com/sua-org/multicam/internal/recording"
)

type TimeKeeper interface {
	CorrectedNow() time.Time
}

type Recorder interface {
	Snapshot() (recording.State, *recording.Session)
}

type Queues interface {
	Snapshot() (active, failed []core.UploadItem)
}

// BatterySensor reports the battery level in percent. ok is false when the
// device has no battery or the reading failed.
type BatterySensor interface {
	Level() (level float64, ok bool)
}

type Options struct {
	DeviceID string
	Time     TimeKeeper
	Recorder Recorder
	Queues   Queues
	Battery  BatterySensor
}

// Aggregator only reads from its collaborators and is safe for concurrent use.
type Aggregator struct {
	opts Options
}

func New(opts Options) *Aggregator {
	return &Aggregator{opts: opts}
}

func (a *Aggregator) DeviceID() string { return a.opts.DeviceID }

func (a *Aggregator) Now() time.Time { return a.opts.Time.CorrectedNow() }

// DeviceStatus derives the status from the recording state.
func (a *Aggregator) DeviceStatus() core.Status {
	state, _ := a.opts.Recorder.Snapshot()
	return state.Status()
}

// Snapshot builds a response carrying status. Optional fields are left nil
// for the caller to fill.
func (a *Aggregator) Snapshot(status core.Status) core.StatusResponse {
	resp := core.StatusResponse{
		DeviceID:          a.opts.DeviceID,
		Status:            status,
		Timestamp:         core.UnixSeconds(a.Now()),
		UploadQueue:       []core.UploadItem{},
		FailedUploadQueue: []core.UploadItem{},
	}
	if a.opts.Queues != nil {
		resp.UploadQueue, resp.FailedUploadQueue = a.opts.Queues.Snapshot()
	}
	if a.opts.Battery != nil {
		if level, ok := a.opts.Battery.Level(); ok {
			resp.BatteryLevel = &level
		}
	}
	return resp
}
