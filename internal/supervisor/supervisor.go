// internal/supervisor/supervisor.go
package supervisor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/sua-org/multicam/internal/clocksync"
	"github.com/sua-org/multicam/internal/core"
	"github.com/sua-org/multicam/internal/logging"
	"github.com/sua-org/multicam/internal/recording"
	"github.com/sua-org/multicam/internal/upload"
)

var log = logging.For("supervisor")

const eventBuffer = 64

// Publisher is the subset of the MQTT client the status loop needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// StatusSource provides the device view published on every tick.
type StatusSource interface {
	DeviceStatus() core.Status
	Snapshot(status core.Status) core.StatusResponse
}

type ClockSource interface {
	Offset() clocksync.Offset
}

type RecordingSource interface {
	Snapshot() (recording.State, *recording.Session)
}

type DiskSource interface {
	FreeBytes() (uint64, error)
}

type Options struct {
	MQTT       Publisher
	BaseTopic  string
	DeviceID   string
	DeviceType string
	Interval   time.Duration

	Status    StatusSource
	Clock     ClockSource
	Recording RecordingSource
	Disk      DiskSource
}

// Supervisor publishes the retained device status on an interval and forwards
// recording and upload events to MQTT.
type Supervisor struct {
	opts     Options
	hostname string
	proc     *process.Process
	events   chan eventMessage
}

type eventMessage struct {
	payload map[string]interface{}
}

func New(opts Options) *Supervisor {
	opts.BaseTopic = strings.TrimSuffix(opts.BaseTopic, "/")
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	hostname, _ := os.Hostname()

	var procHandle *process.Process
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		procHandle = p
	}

	return &Supervisor{
		opts:     opts,
		hostname: hostname,
		proc:     procHandle,
		events:   make(chan eventMessage, eventBuffer),
	}
}

func (s *Supervisor) String() string { return "mqtt-status" }

func (s *Supervisor) StatusTopic() string {
	return StatusTopic(s.opts.BaseTopic, s.opts.DeviceID)
}

// StatusTopic is the retained status topic of a device, also used as the
// MQTT last will topic.
func StatusTopic(baseTopic, deviceID string) string {
	return fmt.Sprintf("%s/%s/status", strings.TrimSuffix(baseTopic, "/"), deviceID)
}

func (s *Supervisor) EventTopic() string {
	return fmt.Sprintf("%s/%s/events", s.opts.BaseTopic, s.opts.DeviceID)
}

// OfflinePayload is the retained last will for the status topic.
func OfflinePayload(deviceID string) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"deviceId": deviceID,
		"status":   "offline",
	})
	return b
}

// Serve publishes status immediately and every interval, and drains queued
// events, until ctx is done. It implements suture.Service.
func (s *Supervisor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	log.Info().Str("topic", s.StatusTopic()).Dur("interval", s.opts.Interval).Msg("status loop started")
	s.publishStatus(time.Now())

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("status loop stopped")
			return ctx.Err()
		case t := <-ticker.C:
			s.publishStatus(t)
		case ev := <-s.events:
			s.publishEvent(ev)
		}
	}
}

func (s *Supervisor) publishStatus(now time.Time) {
	b, err := json.Marshal(s.statusPayload(now))
	if err != nil {
		log.Error().Err(err).Msg("marshal status")
		return
	}
	if err := s.opts.MQTT.Publish(s.StatusTopic(), 1, true, b); err != nil {
		log.Warn().Err(err).Str("topic", s.StatusTopic()).Msg("publish status failed")
		return
	}
	log.Debug().Str("topic", s.StatusTopic()).Msg("status published")
}

func (s *Supervisor) statusPayload(now time.Time) map[string]interface{} {
	var (
		cpuPercent  float64
		memPercent  float64
		memRSSBytes uint64
	)
	if s.proc != nil {
		if cpu, err := s.proc.CPUPercent(); err == nil {
			cpuPercent = cpu
		}
		if memInfo, err := s.proc.MemoryInfo(); err == nil {
			memRSSBytes = memInfo.RSS
		}
		if memP, err := s.proc.MemoryPercent(); err == nil {
			memPercent = float64(memP)
		}
	}

	snap := s.opts.Status.Snapshot(s.opts.Status.DeviceStatus())
	payload := map[string]interface{}{
		"deviceId":         snap.DeviceID,
		"deviceType":       s.opts.DeviceType,
		"status":           string(snap.Status),
		"timestamp":        now.UTC().Format(time.RFC3339),
		"correctedTime":    snap.Timestamp,
		"hostname":         s.hostname,
		"batteryLevel":     snap.BatteryLevel,
		"uploadQueue":      len(snap.UploadQueue),
		"failedUploads":    len(snap.FailedUploadQueue),
		"cpu_percent":      cpuPercent,
		"memory_percent":   memPercent,
		"memory_rss_bytes": memRSSBytes,
	}

	if s.opts.Clock != nil {
		off := s.opts.Clock.Offset()
		clk := map[string]interface{}{
			"synchronized": off.Synchronized,
			"offset_ms":    float64(off.Offset) / float64(time.Millisecond),
			"best_rtt_ms":  float64(off.BestRTT) / float64(time.Millisecond),
			"samples":      off.SampleCount,
		}
		if !off.SyncedAt.IsZero() {
			clk["synced_at"] = off.SyncedAt.UTC().Format(time.RFC3339Nano)
		}
		payload["clock"] = clk
	}
	if s.opts.Recording != nil {
		if _, sess := s.opts.Recording.Snapshot(); sess != nil {
			payload["recording"] = sessionPayload(*sess)
		}
	}
	if s.opts.Disk != nil {
		if free, err := s.opts.Disk.FreeBytes(); err == nil {
			payload["disk_free_bytes"] = free
		}
	}
	return payload
}

func sessionPayload(sess recording.Session) map[string]interface{} {
	out := map[string]interface{}{"state": string(sess.State)}
	if sess.FileName != "" {
		out["fileName"] = sess.FileName
	}
	if sess.ScheduledStart != nil {
		out["scheduledStart"] = core.UnixSeconds(*sess.ScheduledStart)
	}
	if sess.StartedAt != nil {
		out["startedAt"] = core.UnixSeconds(*sess.StartedAt)
	}
	if sess.StoppedAt != nil {
		out["stoppedAt"] = core.UnixSeconds(*sess.StoppedAt)
	}
	return out
}

// RecordingEvent queues a recording transition for the events topic.
func (s *Supervisor) RecordingEvent(ev recording.Event) {
	payload := map[string]interface{}{
		"event":   string(ev.Type),
		"session": sessionPayload(ev.Session),
	}
	if ev.Type == recording.EventStopped {
		payload["fileSize"] = ev.FileSize
	}
	if ev.Err != nil {
		payload["error"] = ev.Err.Error()
	}
	s.enqueue(payload)
}

// UploadEvent queues an upload transition for the events topic.
func (s *Supervisor) UploadEvent(ev upload.Event) {
	payload := map[string]interface{}{
		"event":    string(ev.Type),
		"uploadId": ev.ID.String(),
		"item":     ev.Item,
	}
	if ev.Err != nil {
		payload["error"] = ev.Err.Error()
	}
	s.enqueue(payload)
}

// enqueue never blocks the caller; events are dropped when the broker lags.
func (s *Supervisor) enqueue(payload map[string]interface{}) {
	payload["deviceId"] = s.opts.DeviceID
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	select {
	case s.events <- eventMessage{payload: payload}:
	default:
		log.Warn().Interface("event", payload["event"]).Msg("event queue full, dropping")
	}
}

func (s *Supervisor) publishEvent(ev eventMessage) {
	b, err := json.Marshal(ev.payload)
	if err != nil {
		log.Error().Err(err).Msg("marshal event")
		return
	}
	if err := s.opts.MQTT.Publish(s.EventTopic(), 1, false, b); err != nil {
		log.Warn().Err(err).Str("topic", s.EventTopic()).Interface("event", ev.payload["event"]).Msg("publish event failed")
	}
}
