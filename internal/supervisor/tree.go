package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
)

// TreeConfig holds the restart policy shared by every layer of the tree.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the service tree of the device runtime:
//   - core: command server, clock sync, upload workers
//   - telemetry: MQTT status publisher, metrics endpoint
//
// A broker or metrics outage restarts telemetry without touching the
// command path.
type Tree struct {
	root      *suture.Supervisor
	core      *suture.Supervisor
	telemetry *suture.Supervisor
}

func NewTree(cfg TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	policy := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootPolicy := policy
	rootPolicy.EventHook = logEvent

	t := &Tree{
		root:      suture.New("multicam", rootPolicy),
		core:      suture.New("core", policy),
		telemetry: suture.New("telemetry", policy),
	}
	t.root.Add(t.core)
	t.root.Add(t.telemetry)
	return t
}

func logEvent(ev suture.Event) {
	switch ev.Type() {
	case suture.EventTypeResume:
		log.Info().Fields(ev.Map()).Msg(ev.String())
	case suture.EventTypeServicePanic:
		log.Error().Fields(ev.Map()).Msg("service panicked")
	default:
		log.Warn().Fields(ev.Map()).Msg(ev.String())
	}
}

func (t *Tree) AddCore(svc suture.Service) suture.ServiceToken {
	return t.core.Add(svc)
}

func (t *Tree) AddTelemetry(svc suture.Service) suture.ServiceToken {
	return t.telemetry.Add(svc)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
