// Package transfer streams a recorded file over a command connection using
// the length-prefixed binary protocol:
//
//	uint32 big-endian header length | JSON FileResponse | fileSize raw bytes
//
// A missing file gets a JSON ErrorResponse and no binary data.
package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/sua-org/multicam/internal/core"
	"github.com/sua-org/multicam/internal/logging"
	"github.com/sua-org/multicam/internal/metrics"
	"github.com/sua-org/multicam/internal/storage"
)

var log = logging.For("transfer")

const (
	DefaultChunkSize    = 8192
	DefaultWriteTimeout = 30 * time.Second
)

// ErrShortRead means the file ended before the advertised size was sent. The
// connection must be dropped; the client restarts the whole exchange.
var ErrShortRead = errors.New("file shorter than advertised size")

// Opener hands out read handles on recorded files.
type Opener interface {
	Open(name string) (*os.File, storage.FileRecord, error)
}

type Options struct {
	DeviceID     string
	Store        Opener
	Now          func() time.Time
	ChunkSize    int
	WriteTimeout time.Duration
}

type Server struct {
	deviceID     string
	store        Opener
	now          func() time.Time
	chunkSize    int
	writeTimeout time.Duration
}

func New(opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Server{
		deviceID:     opts.DeviceID,
		store:        opts.Store,
		now:          opts.Now,
		chunkSize:    opts.ChunkSize,
		writeTimeout: opts.WriteTimeout,
	}
}

// Serve writes the whole GET_VIDEO response for fileName to conn. It returns
// storage.ErrNotFound after answering file_not_found, nil after a complete
// transfer, and any other error when the stream broke partway.
func (s *Server) Serve(conn net.Conn, fileName string) error {
	f, rec, err := s.store.Open(fileName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidName) {
			if werr := s.writeNotFound(conn, fileName); werr != nil {
				return werr
			}
			return fmt.Errorf("%w: %s", storage.ErrNotFound, fileName)
		}
		return err
	}
	defer f.Close()

	header, err := EncodeHeader(core.FileResponse{
		DeviceID: s.deviceID,
		FileName: rec.Name,
		FileSize: rec.Size,
		Status:   string(core.StatusReady),
	})
	if err != nil {
		return err
	}
	if err := s.write(conn, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	start := time.Now()
	sent, err := s.stream(conn, f, rec.Size)
	metrics.TransferBytesTotal.Add(float64(sent))
	if err != nil {
		log.Warn().Err(err).Str("file", rec.Name).Int64("sent", sent).Int64("size", rec.Size).Msg("transfer aborted")
		return err
	}
	log.Info().Str("file", rec.Name).Int64("size", rec.Size).Dur("took", time.Since(start)).Msg("transfer complete")
	return nil
}

func (s *Server) writeNotFound(conn net.Conn, fileName string) error {
	body, err := json.Marshal(core.ErrorResponse{
		DeviceID:  s.deviceID,
		Status:    core.StatusFileNotFound,
		Timestamp: core.UnixSeconds(s.now()),
		Message:   fmt.Sprintf("File %s not found", fileName),
	})
	if err != nil {
		return err
	}
	return s.write(conn, body)
}

// stream copies exactly size bytes from r to conn in chunkSize pieces.
func (s *Server) stream(conn net.Conn, r io.Reader, size int64) (int64, error) {
	buf := make([]byte, s.chunkSize)
	lr := io.LimitReader(r, size)
	var sent int64
	for sent < size {
		n, rerr := lr.Read(buf)
		if n > 0 {
			if err := s.write(conn, buf[:n]); err != nil {
				return sent, fmt.Errorf("write chunk: %w", err)
			}
			sent += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return sent, fmt.Errorf("read file: %w", rerr)
		}
	}
	if sent != size {
		return sent, fmt.Errorf("%w: sent %d of %d", ErrShortRead, sent, size)
	}
	return sent, nil
}

func (s *Server) write(conn net.Conn, p []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	_, err := conn.Write(p)
	return err
}

// EncodeHeader returns the length prefix followed by the JSON header.
func EncodeHeader(h core.FileResponse) ([]byte, error) {
	body, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	if uint64(len(body)) > math.MaxUint32 {
		return nil, fmt.Errorf("header too large: %d bytes", len(body))
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// ReadHeader reads the length prefix and JSON header from r. The file bytes
// follow in r.
func ReadHeader(r io.Reader) (core.FileResponse, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return core.FileResponse{}, fmt.Errorf("read header length: %w", err)
	}
	body := make([]byte, binary.BigEndian.Uint32(prefix[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return core.FileResponse{}, fmt.Errorf("read header: %w", err)
	}
	var h core.FileResponse
	if err := json.Unmarshal(body, &h); err != nil {
		return core.FileResponse{}, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}
