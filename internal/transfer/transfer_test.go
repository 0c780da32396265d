package transfer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/sua-org/multicam/internal/core"
	"github.com/sua-org/multicam/internal/storage"
)

var fixedNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func newServer(t *testing.T) (*Server, *storage.FileStore) {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir(), ".mp4")
	if err != nil {
		t.Fatal(err)
	}
	srv := New(Options{
		DeviceID:     "cam-a",
		Store:        store,
		Now:          func() time.Time { return fixedNow },
		ChunkSize:    1000,
		WriteTimeout: 5 * time.Second,
	})
	return srv, store
}

// exchange runs Serve against one end of a pipe and returns everything the
// client end received.
func exchange(t *testing.T, srv *Server, name string) ([]byte, error) {
	t.Helper()
	server, client := net.Pipe()
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(server, name)
		server.Close()
	}()
	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	client.Close()
	return got, <-errCh
}

func TestServeStreamsExactBytes(t *testing.T) {
	srv, store := newServer(t)
	for _, size := range []int{0, 1, 999, 1000, 8193, 25_000} {
		name := store.NewFileName(fixedNow.Add(time.Duration(size) * time.Second))
		payload := bytes.Repeat([]byte{0xAB, 0x01, 0x7F}, size/3+1)[:size]
		if err := os.WriteFile(filepath.Join(store.Dir(), name), payload, 0o644); err != nil {
			t.Fatal(err)
		}

		got, err := exchange(t, srv, name)
		if err != nil {
			t.Fatalf("size %d: Serve: %v", size, err)
		}

		headerLen := binary.BigEndian.Uint32(got[:4])
		var header core.FileResponse
		if err := json.Unmarshal(got[4:4+headerLen], &header); err != nil {
			t.Fatalf("size %d: header %q: %v", size, got[4:4+headerLen], err)
		}
		if header.FileName != name || header.FileSize != int64(size) || header.DeviceID != "cam-a" || header.Status != "ready" {
			t.Fatalf("size %d: header %+v", size, header)
		}
		body := got[4+headerLen:]
		if int64(len(body)) != header.FileSize {
			t.Fatalf("size %d: %d payload bytes after header", size, len(body))
		}
		if !bytes.Equal(body, payload) {
			t.Fatalf("size %d: payload mismatch", size)
		}
	}
}

func TestServeMissingFile(t *testing.T) {
	srv, _ := newServer(t)
	for _, name := range []string{"video_1000.mp4", "../etc/passwd"} {
		got, err := exchange(t, srv, name)
		if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("%s: err = %v", name, err)
		}
		var resp core.ErrorResponse
		if err := json.Unmarshal(got, &resp); err != nil {
			t.Fatalf("%s: response %q is not a single JSON value: %v", name, got, err)
		}
		if resp.Status != core.StatusFileNotFound || resp.Message != "File "+name+" not found" {
			t.Fatalf("%s: response %+v", name, resp)
		}
		if resp.Timestamp != core.UnixSeconds(fixedNow) {
			t.Fatalf("timestamp = %v", resp.Timestamp)
		}
	}
}

func TestServeClientGone(t *testing.T) {
	srv, store := newServer(t)
	name := store.NewFileName(fixedNow)
	if err := os.WriteFile(filepath.Join(store.Dir(), name), make([]byte, 50_000), 0o644); err != nil {
		t.Fatal(err)
	}
	server, client := net.Pipe()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(server, name) }()

	if _, err := ReadHeader(client); err != nil {
		t.Fatal(err)
	}
	client.Close()
	if err := <-errCh; err == nil {
		t.Fatal("Serve succeeded after client closed")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	in := core.FileResponse{DeviceID: "cam-b", FileName: "video_5.mp4", FileSize: 1 << 33, Status: "ready"}
	raw, err := EncodeHeader(in)
	if err != nil {
		t.Fatal(err)
	}
	if int(binary.BigEndian.Uint32(raw)) != len(raw)-4 {
		t.Fatalf("prefix %d, body %d", binary.BigEndian.Uint32(raw), len(raw)-4)
	}
	out, err := ReadHeader(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("got %+v", out)
	}
}

type shortReader struct{ n int }

func (r *shortReader) Read(p []byte) (int, error) {
	if r.n == 0 {
		return 0, io.EOF
	}
	if len(p) > r.n {
		p = p[:r.n]
	}
	r.n -= len(p)
	return len(p), nil
}

func TestStreamShortRead(t *testing.T) {
	srv, _ := newServer(t)
	server, client := net.Pipe()
	go io.Copy(io.Discard, client)
	defer client.Close()
	defer server.Close()

	sent, err := srv.stream(server, &shortReader{n: 10}, 20)
	if !errors.Is(err, ErrShortRead) || sent != 10 {
		t.Fatalf("sent %d err %v", sent, err)
	}
}
