// cmd/multicam-ctl/main.go
//
// multicam-ctl sends one command to a device and prints the reply:
//
//	multicam-ctl --addr cam-a:8080 status
//	multicam-ctl --addr cam-a:8080 start --at 1780304460
//	multicam-ctl --addr cam-a:8080 get video_1780304400.mp4 -o ./clip.mp4
//	multicam-ctl --addr cam-a:8080 upload video_1780304400.mp4 --url 'https://...'
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/pflag"

	"github.com/sua-org/multicam/internal/client"
	"github.com/sua-org/multicam/internal/core"
)

var actions = map[string]core.CommandType{
	"start":     core.CommandStartRecording,
	"stop":      core.CommandStopRecording,
	"status":    core.CommandDeviceStatus,
	"heartbeat": core.CommandHeartbeat,
	"list":      core.CommandListFiles,
	"get":       core.CommandGetVideo,
	"upload":    core.CommandUploadToCloud,
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		addr    string
		timeout time.Duration
		at      float64
		output  string
		cmd     core.Command
	)
	flags := pflag.NewFlagSet("multicam-ctl", pflag.ContinueOnError)
	flags.StringVar(&addr, "addr", "127.0.0.1:8080", "device command address")
	flags.DurationVar(&timeout, "timeout", client.DefaultTimeout, "per read/write timeout")
	flags.Float64Var(&at, "at", 0, "start: scheduled start in unix seconds (default now)")
	flags.StringVarP(&output, "output", "o", "", "get: destination path (default ./<file>)")
	flags.StringVar(&cmd.UploadURL, "url", "", "upload: presigned PUT URL")
	flags.StringVar(&cmd.S3Bucket, "bucket", "", "upload: S3 bucket")
	flags.StringVar(&cmd.S3Key, "key", "", "upload: S3 object key")
	flags.StringVar(&cmd.AWSRegion, "region", "", "upload: S3 region")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: multicam-ctl [flags] <start|stop|status|heartbeat|list|get|upload> [file]\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return errors.New("missing action")
	}

	action := strings.ToLower(flags.Arg(0))
	command, ok := actions[action]
	if !ok {
		return fmt.Errorf("unknown action %q", action)
	}
	cmd.Command = command
	cmd.Timestamp = at
	if command == core.CommandGetVideo || command == core.CommandUploadToCloud {
		if flags.NArg() < 2 {
			return fmt.Errorf("%s needs a file name", action)
		}
		cmd.FileName = flags.Arg(1)
	}
	if cmd.S3Bucket != "" {
		cmd.AWSAccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
		cmd.AWSSecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
		cmd.AWSSessionToken = os.Getenv("AWS_SESSION_TOKEN")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	c := client.New(addr, timeout)

	if command == core.CommandGetVideo {
		return download(ctx, c, cmd.FileName, output)
	}

	resp, err := c.Do(ctx, cmd)
	if err != nil {
		return err
	}
	pretty, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(pretty))
	if resp.Status == core.StatusError || resp.Status == core.StatusFileNotFound ||
		resp.Status == core.StatusTimeNotSynchronized {
		return fmt.Errorf("device answered %s", resp.Status)
	}
	return nil
}

func download(ctx context.Context, c *client.Client, fileName, output string) error {
	if output == "" {
		output = filepath.Base(fileName)
	}
	tmp := output + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	start := time.Now()
	h, err := c.Download(ctx, fileName, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, output); err != nil {
		return err
	}
	took := time.Since(start)
	fmt.Printf("%s: %d bytes from %s in %s (%.1f KiB/s)\n",
		output, h.FileSize, h.DeviceID, took.Round(time.Millisecond), float64(h.FileSize)/1024/max(took.Seconds(), 0.001))
	return nil
}
