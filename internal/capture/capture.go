// Package capture drives the camera. The recording state machine only sees
// the Capturer interface; FFmpegCapturer is the production implementation.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sua-org/multicam/internal/logging"
)

var log = logging.For("capture")

var (
	ErrBusy       = errors.New("capture already running")
	ErrNotRunning = errors.New("capture not running")
)

// Capturer starts and stops writing video to a file.
type Capturer interface {
	// Start begins writing to path and returns once capture is running.
	Start(ctx context.Context, path string) error
	// Stop ends the capture and returns the final size of the file.
	Stop(ctx context.Context) (int64, error)
}

type FFmpegConfig struct {
	Bin         string
	Input       string
	InputFormat string
	// ExtraArgs are inserted between the input and the output, split on spaces.
	ExtraArgs   string
	StopTimeout time.Duration
}

// FFmpegCapturer records by running one ffmpeg process per session.
type FFmpegCapturer struct {
	cfg FFmpegConfig

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	path    string
	exited  chan struct{}
	exitErr error
}

func NewFFmpegCapturer(cfg FFmpegConfig) *FFmpegCapturer {
	if strings.TrimSpace(cfg.Bin) == "" {
		cfg.Bin = "ffmpeg"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &FFmpegCapturer{cfg: cfg}
}

func (c *FFmpegCapturer) args(path string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	if c.cfg.InputFormat != "" {
		args = append(args, "-f", c.cfg.InputFormat)
	}
	if strings.HasPrefix(c.cfg.Input, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args, "-i", c.cfg.Input)
	if extra := strings.Fields(c.cfg.ExtraArgs); len(extra) > 0 {
		args = append(args, extra...)
	} else {
		args = append(args, "-c:v", "libx264", "-preset", "veryfast")
	}
	return append(args, "-movflags", "+faststart", path)
}

func (c *FFmpegCapturer) Start(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil {
		return ErrBusy
	}
	if c.cfg.Input == "" {
		return fmt.Errorf("capture input not configured")
	}

	cmd := exec.Command(c.cfg.Bin, c.args(path)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdin: %w", err)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.path = path
	c.exited = make(chan struct{})
	c.exitErr = nil
	go c.waitForExit(cmd, c.exited)

	log.Info().Str("path", path).Int("pid", cmd.Process.Pid).Msg("capture started")
	return nil
}

func (c *FFmpegCapturer) waitForExit(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	c.mu.Lock()
	if c.cmd == cmd {
		c.exitErr = err
	}
	c.mu.Unlock()
	close(exited)
	if err != nil {
		log.Warn().Err(err).Msg("ffmpeg exited with error")
	}
}

// Stop asks ffmpeg to finish the file by sending q, then kills the process
// if it does not exit within StopTimeout.
func (c *FFmpegCapturer) Stop(ctx context.Context) (int64, error) {
	c.mu.Lock()
	cmd, stdin, path, exited := c.cmd, c.stdin, c.path, c.exited
	c.mu.Unlock()
	if cmd == nil {
		return 0, ErrNotRunning
	}

	if _, err := io.WriteString(stdin, "q\n"); err != nil {
		log.Debug().Err(err).Msg("ffmpeg stdin closed before stop")
	}
	_ = stdin.Close()

	timer := time.NewTimer(c.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		log.Warn().Dur("timeout", c.cfg.StopTimeout).Msg("ffmpeg did not stop, killing")
		_ = cmd.Process.Kill()
		<-exited
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
	}

	c.mu.Lock()
	c.cmd = nil
	c.stdin = nil
	c.mu.Unlock()

	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat capture output: %w", err)
	}
	log.Info().Str("path", path).Int64("size", fi.Size()).Msg("capture stopped")
	return fi.Size(), nil
}
