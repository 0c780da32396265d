// Package config loads the device runtime configuration.
//
// Values are layered: struct defaults first, then environment variables
// (a .env file is loaded into the environment by main before Load runs).
// Environment names map onto sections by their first underscore:
// SERVER_PORT -> server.port, UPLOAD_STALL_TIMEOUT -> upload.stall_timeout.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Device  DeviceConfig  `koanf:"device"`
	Server  ServerConfig  `koanf:"server"`
	Clock   ClockConfig   `koanf:"clock"`
	Storage StorageConfig `koanf:"storage"`
	Capture CaptureConfig `koanf:"capture"`
	Upload  UploadConfig  `koanf:"upload"`
	MQTT    MQTTConfig    `koanf:"mqtt"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

type DeviceConfig struct {
	// ID identifies this device in every response. Defaults to the hostname.
	ID   string `koanf:"id"`
	Type string `koanf:"type"`
	// BatteryPath overrides battery discovery under /sys/class/power_supply.
	BatteryPath string `koanf:"battery_path"`
}

type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	// ReadTimeout bounds reading the command envelope.
	ReadTimeout time.Duration `koanf:"read_timeout"`
	// WriteTimeout bounds each JSON response and each binary chunk.
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	MaxRequestBytes int64         `koanf:"max_request_bytes"`
	ChunkSize       int           `koanf:"chunk_size"`
}

type ClockConfig struct {
	NTPServer    string        `koanf:"ntp_server"`
	SyncInterval time.Duration `koanf:"sync_interval"`
	MaxRTT       time.Duration `koanf:"max_rtt"`
	Samples      int           `koanf:"samples"`
	QueryTimeout time.Duration `koanf:"query_timeout"`
}

type StorageConfig struct {
	Dir          string `koanf:"dir"`
	Extension    string `koanf:"extension"`
	MinFreeBytes uint64 `koanf:"min_free_bytes"`
}

type CaptureConfig struct {
	FFmpegBin   string        `koanf:"ffmpeg_bin"`
	Input       string        `koanf:"input"`
	InputFormat string        `koanf:"input_format"`
	ExtraArgs   string        `koanf:"extra_args"`
	StopTimeout time.Duration `koanf:"stop_timeout"`
}

type UploadConfig struct {
	Concurrency  int           `koanf:"concurrency"`
	StallTimeout time.Duration `koanf:"stall_timeout"`
	MaxAttempts  int           `koanf:"max_attempts"`
	RetryBackoff time.Duration `koanf:"retry_backoff"`
	MaxBackoff   time.Duration `koanf:"max_backoff"`
	// BandwidthLimit caps upload throughput in bytes per second. 0 disables.
	BandwidthLimit int    `koanf:"bandwidth_limit"`
	S3Endpoint     string `koanf:"s3_endpoint"`
	S3UseSSL       bool   `koanf:"s3_use_ssl"`
}

type MQTTConfig struct {
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port"`
	Username       string        `koanf:"username"`
	Password       string        `koanf:"password"`
	ClientID       string        `koanf:"client_id"`
	BaseTopic      string        `koanf:"base_topic"`
	StatusInterval time.Duration `koanf:"status_interval"`
}

// Enabled reports whether a broker is configured.
func (m MQTTConfig) Enabled() bool { return strings.TrimSpace(m.Host) != "" }

type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

var sections = map[string]bool{
	"device": true, "server": true, "clock": true, "storage": true, "capture": true,
	"upload": true, "mqtt": true, "metrics": true, "log": true,
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *Config {
	return &Config{
		Device: DeviceConfig{
			Type: "Linux:Camera",
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    30 * time.Second,
			MaxRequestBytes: 64 << 10,
			ChunkSize:       8192,
		},
		Clock: ClockConfig{
			NTPServer:    "pool.ntp.org",
			SyncInterval: 300 * time.Second,
			MaxRTT:       500 * time.Millisecond,
			Samples:      4,
			QueryTimeout: 2 * time.Second,
		},
		Storage: StorageConfig{
			Dir:          "./recordings",
			Extension:    ".mp4",
			MinFreeBytes: 256 << 20,
		},
		Capture: CaptureConfig{
			FFmpegBin:   "ffmpeg",
			Input:       "/dev/video0",
			InputFormat: "v4l2",
			StopTimeout: 10 * time.Second,
		},
		Upload: UploadConfig{
			Concurrency:  1,
			StallTimeout: 600 * time.Second,
			MaxAttempts:  3,
			RetryBackoff: 5 * time.Second,
			MaxBackoff:   2 * time.Minute,
			S3UseSSL:     true,
		},
		MQTT: MQTTConfig{
			Port:           1883,
			BaseTopic:      "multicam/devices",
			StatusInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults and the environment.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Device.ID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "multicam-device"
		}
		cfg.Device.ID = host
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "multicam-" + cfg.Device.ID
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps SECTION_REST to section.rest and drops variables that do not
// belong to a known section.
func envKey(name string) string {
	lower := strings.ToLower(name)
	section, rest, ok := strings.Cut(lower, "_")
	if !ok || rest == "" || !sections[section] {
		return ""
	}
	return section + "." + rest
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.ChunkSize <= 0 {
		return fmt.Errorf("server.chunk_size must be positive")
	}
	if c.Server.MaxRequestBytes <= 0 {
		return fmt.Errorf("server.max_request_bytes must be positive")
	}
	if strings.TrimSpace(c.Storage.Dir) == "" {
		return fmt.Errorf("storage.dir required")
	}
	if !strings.HasPrefix(c.Storage.Extension, ".") {
		return fmt.Errorf("storage.extension %q must start with a dot", c.Storage.Extension)
	}
	if c.Clock.Samples < 3 || c.Clock.Samples > 4 {
		return fmt.Errorf("clock.samples must be 3 or 4, got %d", c.Clock.Samples)
	}
	if c.Clock.SyncInterval <= 0 {
		return fmt.Errorf("clock.sync_interval must be positive")
	}
	if c.Upload.Concurrency < 1 {
		return fmt.Errorf("upload.concurrency must be at least 1")
	}
	if c.Upload.MaxAttempts < 1 {
		return fmt.Errorf("upload.max_attempts must be at least 1")
	}
	if c.Upload.StallTimeout <= 0 {
		return fmt.Errorf("upload.stall_timeout must be positive")
	}
	if c.MQTT.Enabled() && (c.MQTT.Port <= 0 || c.MQTT.Port > 65535) {
		return fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port)
	}
	return nil
}

// ListenAddr is the TCP address the command server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
