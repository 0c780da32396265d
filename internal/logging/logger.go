// Package logging wraps a global zerolog logger for the device runtime.
//
// Packages take a component logger once and log through it:
//
//	var log = logging.For("upload")
//	log.Info().Str("file", name).Msg("upload queued")
//
// Init reconfigures every logger handed out by For, so components may grab
// their logger at package init time.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	// Level is one of trace, debug, info, warn, error, disabled. Default info.
	Level string
	// Format is json or console. Default json.
	Format string
	// Output defaults to os.Stderr.
	Output io.Writer
}

var (
	mu   sync.RWMutex
	root zerolog.Logger
)

func init() {
	initLogger(Config{})
}

// Init configures the global logger. Safe to call more than once.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	initLogger(cfg)
}

func initLogger(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := cfg.Output
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: "15:04:05.000"}
	}
	root = zerolog.New(out).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Logger returns the current global logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Component is a lazily bound logger tagged with a component name.
type Component struct {
	name string
}

// For returns the logger for a component.
func For(name string) Component { return Component{name: name} }

func (c Component) logger() *zerolog.Logger {
	l := Logger().With().Str("component", c.name).Logger()
	return &l
}

func (c Component) Debug() *zerolog.Event { return c.logger().Debug() }
func (c Component) Info() *zerolog.Event  { return c.logger().Info() }
func (c Component) Warn() *zerolog.Event  { return c.logger().Warn() }
func (c Component) Error() *zerolog.Event { return c.logger().Error() }
