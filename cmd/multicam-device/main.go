// cmd/multicam-device/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/sua-org/multicam/internal/capture"
	"github.com/sua-org/multicam/internal/clock"
	"github.com/sua-org/multicam/internal/clocksync"
	"github.com/sua-org/multicam/internal/config"
	"github.com/sua-org/multicam/internal/logging"
	"github.com/sua-org/multicam/internal/metrics"
	"github.com/sua-org/multicam/internal/mqttclient"
	"github.com/sua-org/multicam/internal/recording"
	"github.com/sua-org/multicam/internal/server"
	"github.com/sua-org/multicam/internal/status"
	"github.com/sua-org/multicam/internal/storage"
	"github.com/sua-org/multicam/internal/supervisor"
	"github.com/sua-org/multicam/internal/transfer"
	"github.com/sua-org/multicam/internal/upload"
)

var log = logging.For("main")

func main() {
	// .env is optional; a missing file only gets a debug line.
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if envErr != nil {
		log.Debug().Err(envErr).Msg(".env not loaded")
	}

	if err := run(cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("runtime stopped with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	files, err := storage.NewFileStore(cfg.Storage.Dir, cfg.Storage.Extension)
	if err != nil {
		return err
	}

	timeSync := clocksync.New(
		clocksync.NewNTPSource(cfg.Clock.NTPServer, cfg.Clock.QueryTimeout, clk),
		clk,
		clocksync.Config{
			Interval: cfg.Clock.SyncInterval,
			MaxRTT:   cfg.Clock.MaxRTT,
			Samples:  cfg.Clock.Samples,
		},
	)

	recorder := recording.NewMachine(recording.Options{
		Clock:      clk,
		TimeKeeper: timeSync,
		Store:      files,
		Capturer: capture.NewFFmpegCapturer(capture.FFmpegConfig{
			Bin:         cfg.Capture.FFmpegBin,
			Input:       cfg.Capture.Input,
			InputFormat: cfg.Capture.InputFormat,
			ExtraArgs:   cfg.Capture.ExtraArgs,
			StopTimeout: cfg.Capture.StopTimeout,
		}),
		MinFreeBytes: cfg.Storage.MinFreeBytes,
	})

	uploads := upload.NewManager(upload.Options{
		Store: files,
		Uploader: upload.Router{
			Presigned: upload.NewPresignedUploader(nil),
			S3:        upload.NewS3Uploader(cfg.Upload.S3Endpoint, cfg.Upload.S3UseSSL),
		},
		Clock:          clk,
		InUse:          recorder.Owns,
		Concurrency:    cfg.Upload.Concurrency,
		StallTimeout:   cfg.Upload.StallTimeout,
		MaxAttempts:    cfg.Upload.MaxAttempts,
		RetryBackoff:   cfg.Upload.RetryBackoff,
		MaxBackoff:     cfg.Upload.MaxBackoff,
		BandwidthLimit: cfg.Upload.BandwidthLimit,
	})

	agg := status.New(status.Options{
		DeviceID: cfg.Device.ID,
		Time:     timeSync,
		Recorder: recorder,
		Queues:   uploads,
		Battery:  status.NewSysfsBattery(cfg.Device.BatteryPath, ""),
	})

	commands := server.New(server.Options{
		Addr:            cfg.ListenAddr(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		MaxRequestBytes: cfg.Server.MaxRequestBytes,
		Recorder:        recorder,
		Uploads:         uploads,
		Files:           files,
		Status:          agg,
		Transfers: transfer.New(transfer.Options{
			DeviceID:     cfg.Device.ID,
			Store:        files,
			Now:          timeSync.CorrectedNow,
			ChunkSize:    cfg.Server.ChunkSize,
			WriteTimeout: cfg.Server.WriteTimeout,
		}),
	})

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddCore(commands)
	tree.AddCore(timeSync)
	tree.AddCore(uploads)

	if cfg.Metrics.Addr != "" {
		tree.AddTelemetry(metrics.NewServer(cfg.Metrics.Addr))
	}

	if cfg.MQTT.Enabled() {
		sup, closeMQTT, err := startTelemetry(cfg, agg, timeSync, recorder, files)
		if err != nil {
			// The command path does not depend on the broker.
			log.Warn().Err(err).Msg("MQTT unavailable, status publishing disabled")
		} else {
			defer closeMQTT()
			recorder.OnEvent(sup.RecordingEvent)
			uploads.OnEvent(sup.UploadEvent)
			tree.AddTelemetry(sup)
		}
	}

	log.Info().
		Str("device_id", cfg.Device.ID).
		Str("addr", cfg.ListenAddr()).
		Str("storage", files.Dir()).
		Msg("device runtime starting")

	errCh := tree.ServeBackground(ctx)
	<-ctx.Done()
	log.Info().Msg("signal received, shutting down")

	if _, err := recorder.Stop(context.Background()); err == nil {
		log.Info().Msg("active recording stopped on shutdown")
	}

	err = <-errCh
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		log.Warn().Interface("services", report).Msg("services did not stop in time")
	}
	return err
}

func startTelemetry(cfg *config.Config, agg *status.Aggregator, timeSync *clocksync.Service,
	recorder *recording.Machine, files *storage.FileStore) (*supervisor.Supervisor, func(), error) {
	opts := supervisor.Options{
		BaseTopic:  cfg.MQTT.BaseTopic,
		DeviceID:   cfg.Device.ID,
		DeviceType: cfg.Device.Type,
		Interval:   cfg.MQTT.StatusInterval,
		Status:     agg,
		Clock:      timeSync,
		Recording:  recorder,
		Disk:       files,
	}
	cli, err := mqttclient.NewClient(mqttclient.Config{
		Host:        cfg.MQTT.Host,
		Port:        cfg.MQTT.Port,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		ClientID:    cfg.MQTT.ClientID,
		WillTopic:   supervisor.StatusTopic(cfg.MQTT.BaseTopic, cfg.Device.ID),
		WillPayload: supervisor.OfflinePayload(cfg.Device.ID),
	})
	if err != nil {
		return nil, nil, err
	}
	opts.MQTT = cli
	return supervisor.New(opts), cli.Close, nil
}
