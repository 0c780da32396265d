// Package server is the device's TCP command endpoint. Each connection
// carries exactly one JSON command and gets exactly one response: a JSON
// status, or for GET_VIDEO the binary transfer.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/sua-org/multicam/internal/core"
	"github.com/sua-org/multicam/internal/logging"
	"github.com/sua-org/multicam/internal/metrics"
	"github.com/sua-org/multicam/internal/recording"
	"github.com/sua-org/multicam/internal/storage"
	"github.com/sua-org/multicam/internal/upload"
)

var log = logging.For("server")

const (
	DefaultReadTimeout     = 60 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultMaxRequestBytes = 64 << 10
)

type Recorder interface {
	Start(ctx context.Context, requested time.Time) (recording.Result, error)
	Stop(ctx context.Context) (recording.Result, error)
}

type Uploads interface {
	Enqueue(fileName string, dest core.Destination) (core.UploadItem, error)
}

type Files interface {
	List() ([]storage.FileRecord, error)
}

type Transfers interface {
	Serve(conn net.Conn, fileName string) error
}

// Status builds the base response every command answers with.
type Status interface {
	DeviceStatus() core.Status
	Snapshot(status core.Status) core.StatusResponse
}

type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxRequestBytes int64

	Recorder  Recorder
	Uploads   Uploads
	Files     Files
	Transfers Transfers
	Status    Status
}

type Server struct {
	opts Options
	wg   sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = DefaultMaxRequestBytes
	}
	return &Server{opts: opts}
}

func (s *Server) String() string { return "command-server" }

// Serve listens on the configured address until ctx is done. It implements
// suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener accepts on ln until ctx is done, then waits for in-flight
// connections.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	log.Info().Str("addr", ln.Addr().String()).Msg("listening for commands")

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				log.Warn().Err(err).Dur("retry_in", backoff).Msg("accept failed")
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Handle(ctx, conn)
		}()
	}
}

// Handle serves one command on conn and closes it. A panic is contained to
// the connection.
func (s *Server) Handle(ctx context.Context, conn net.Conn) {
	start := time.Now()
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("remote", remote(conn)).
				Bytes("stack", debug.Stack()).Msg("command handler panicked")
		}
	}()

	raw, err := s.readRequest(conn)
	if err != nil {
		s.reply(conn, "", start, s.errorResponse(err))
		return
	}
	cmd, err := core.ParseCommand(raw)
	if err != nil {
		log.Warn().Err(err).Str("remote", remote(conn)).Msg("rejected command")
		s.reply(conn, "", start, s.errorResponse(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	log.Debug().Str("command", string(cmd.Command)).Str("remote", remote(conn)).Msg("command received")

	if cmd.Command == core.CommandGetVideo {
		s.getVideo(conn, cmd, start)
		return
	}
	s.reply(conn, cmd.Command, start, s.dispatch(ctx, cmd))
}

func (s *Server) readRequest(conn net.Conn) (json.RawMessage, error) {
	deadline := time.Now().Add(s.opts.ReadTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	lr := &io.LimitedReader{R: conn, N: s.opts.MaxRequestBytes}
	var raw json.RawMessage
	if err := json.NewDecoder(lr).Decode(&raw); err != nil {
		if lr.N <= 0 {
			return nil, &core.ValidationError{Msg: fmt.Sprintf("request exceeds %d bytes", s.opts.MaxRequestBytes)}
		}
		if !time.Now().Before(deadline) {
			return nil, &core.ValidationError{Msg: "timed out reading request"}
		}
		return nil, &core.ValidationError{Msg: fmt.Sprintf("malformed JSON: %v", err)}
	}
	return raw, nil
}

func (s *Server) dispatch(ctx context.Context, cmd core.Command) core.StatusResponse {
	switch cmd.Command {
	case core.CommandStartRecording:
		res, err := s.opts.Recorder.Start(ctx, core.TimeFromUnix(cmd.Timestamp))
		if err != nil {
			return s.errorResponse(err)
		}
		return s.result(res)

	case core.CommandStopRecording:
		res, err := s.opts.Recorder.Stop(ctx)
		if err != nil {
			return s.errorResponse(err)
		}
		return s.result(res)

	case core.CommandDeviceStatus, core.CommandHeartbeat:
		return s.opts.Status.Snapshot(s.opts.Status.DeviceStatus())

	case core.CommandListFiles:
		records, err := s.opts.Files.List()
		if err != nil {
			return s.errorResponse(err)
		}
		files := make([]core.FileMetadata, len(records))
		for i, r := range records {
			files[i] = r.Metadata()
		}
		resp := s.opts.Status.Snapshot(s.opts.Status.DeviceStatus())
		resp.Files = &files
		return resp

	case core.CommandUploadToCloud:
		dest, err := cmd.Destination()
		if err != nil {
			return s.errorResponse(err)
		}
		item, err := s.opts.Uploads.Enqueue(cmd.FileName, dest)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidName) {
				return s.fileNotFound(cmd.FileName)
			}
			if errors.Is(err, upload.ErrFileInUse) {
				resp := s.opts.Status.Snapshot(core.StatusError)
				resp.Message = core.Ptr(fmt.Sprintf("File %s is being recorded; stop the recording before uploading", cmd.FileName))
				return resp
			}
			return s.errorResponse(err)
		}
		resp := s.opts.Status.Snapshot(core.StatusUploadQueued)
		resp.FileName = core.Ptr(item.FileName)
		resp.FileSize = core.Ptr(item.FileSize)
		return resp

	case core.CommandGetVideo:
		// answered by getVideo before dispatch
		return s.errorResponse(errors.New("GET_VIDEO must be served as a transfer"))

	default:
		return s.errorResponse(&core.ValidationError{Msg: fmt.Sprintf("unknown command: %s", cmd.Command)})
	}
}

func (s *Server) result(res recording.Result) core.StatusResponse {
	resp := s.opts.Status.Snapshot(res.Status)
	if res.FileName != "" {
		resp.FileName = core.Ptr(res.FileName)
		if res.Status == core.StatusRecordingStopped {
			resp.FileSize = core.Ptr(res.FileSize)
		}
	}
	if res.Message != "" {
		resp.Message = core.Ptr(res.Message)
	}
	return resp
}

func (s *Server) fileNotFound(name string) core.StatusResponse {
	resp := s.opts.Status.Snapshot(core.StatusFileNotFound)
	resp.Message = core.Ptr(fmt.Sprintf("File %s not found", name))
	return resp
}

// errorResponse maps an error to its wire status.
func (s *Server) errorResponse(err error) core.StatusResponse {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		resp := s.opts.Status.Snapshot(core.StatusError)
		resp.Message = core.Ptr(verr.Msg)
		return resp
	case errors.Is(err, recording.ErrTimeNotSynchronized):
		resp := s.opts.Status.Snapshot(core.StatusTimeNotSynchronized)
		resp.Message = core.Ptr("device clock is not synchronized; scheduled start refused")
		return resp
	default:
		resp := s.opts.Status.Snapshot(core.StatusError)
		resp.Message = core.Ptr(err.Error())
		return resp
	}
}

func (s *Server) getVideo(conn net.Conn, cmd core.Command, start time.Time) {
	err := s.opts.Transfers.Serve(conn, cmd.FileName)
	status := string(core.StatusReady)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = string(core.StatusFileNotFound)
	case err != nil:
		status = string(core.StatusError)
		log.Warn().Err(err).Str("file", cmd.FileName).Str("remote", remote(conn)).Msg("GET_VIDEO failed")
	}
	s.observe(cmd.Command, status, start)
}

func (s *Server) reply(conn net.Conn, command core.CommandType, start time.Time, resp core.StatusResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("encode response")
		return
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err == nil {
		if _, err := conn.Write(body); err != nil {
			log.Warn().Err(err).Str("remote", remote(conn)).Msg("write response")
		}
	}
	if command == "" {
		command = "invalid"
	}
	s.observe(command, string(resp.Status), start)
}

func (s *Server) observe(command core.CommandType, status string, start time.Time) {
	metrics.CommandsTotal.WithLabelValues(string(command), status).Inc()
	metrics.CommandDuration.WithLabelValues(string(command)).Observe(time.Since(start).Seconds())
	log.Info().Str("command", string(command)).Str("status", status).Dur("took", time.Since(start)).Msg("command handled")
}

func remote(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
