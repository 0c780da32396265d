// cmd/multicam-monitor/main.go
//
// multicam-monitor prints the status and events every device publishes on
// the broker. It reads the same MQTT_* environment as the device runtime;
// MONITOR_DEVICE narrows the subscription to one device.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"

	"github.com/sua-org/multicam/internal/config"
	"github.com/sua-org/multicam/internal/logging"
	"github.com/sua-org/multicam/internal/mqttclient"
)

var log = logging.For("monitor")

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: "console"})
	if !cfg.MQTT.Enabled() {
		log.Error().Msg("MQTT_HOST is not set")
		os.Exit(1)
	}

	device := os.Getenv("MONITOR_DEVICE")
	if device == "" {
		device = "+"
	}

	mqttCli, err := mqttclient.NewClient(mqttclient.Config{
		Host:     cfg.MQTT.Host,
		Port:     cfg.MQTT.Port,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		ClientID: cfg.MQTT.ClientID + "-monitor",
	})
	if err != nil {
		log.Error().Err(err).Msg("connect to MQTT")
		os.Exit(1)
	}
	defer mqttCli.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, kind := range []string{"status", "events"} {
		topic := cfg.MQTT.BaseTopic + "/" + device + "/" + kind
		if err := mqttCli.Subscribe(topic, 1, handleMessage); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("subscribe")
			os.Exit(1)
		}
		log.Info().Str("topic", topic).Msg("subscribed")
	}

	<-ctx.Done()
	log.Info().Msg("signal received, exiting")
}

func handleMessage(topic string, payload []byte) {
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		log.Warn().Err(err).Str("topic", topic).Str("payload", string(payload)).Msg("payload is not JSON")
		return
	}

	ev := log.Info().Str("topic", topic).Str("device", getString(raw, "deviceId"))
	if name := getString(raw, "event"); name != "" {
		ev = ev.Str("event", name)
		if item, ok := raw["item"].(map[string]interface{}); ok {
			ev = ev.Str("file", getString(item, "fileName")).Interface("progress", item["uploadProgress"])
		}
		if sess, ok := raw["session"].(map[string]interface{}); ok {
			ev = ev.Str("file", getString(sess, "fileName"))
		}
		if e := getString(raw, "error"); e != "" {
			ev = ev.Str("error", e)
		}
		ev.Msg("event")
		return
	}

	ev.Str("status", getString(raw, "status")).
		Interface("battery", raw["batteryLevel"]).
		Interface("uploads", raw["uploadQueue"]).
		Interface("failed_uploads", raw["failedUploads"]).
		Interface("clock", raw["clock"]).
		Msg("status")
}

func getString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
