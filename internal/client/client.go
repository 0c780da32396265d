// Package client talks to a device's command port. Every call opens a fresh
// connection, sends one command and reads the single reply.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/goccy/go-json"

	"github.com/sua-org/multicam/internal/core"
	"github.com/sua-org/multicam/internal/transfer"
)

const DefaultTimeout = 30 * time.Second

// DeviceError is a reply the device sent instead of the requested data.
type DeviceError struct {
	Status  core.Status
	Message string
}

func (e *DeviceError) Error() string {
	if e.Message == "" {
		return string(e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

type Client struct {
	addr    string
	timeout time.Duration
	now     func() time.Time
	dialer  net.Dialer
}

// New returns a client for the device at addr. timeout bounds each read and
// write on the connection, not the whole exchange.
func New(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{addr: addr, timeout: timeout, now: time.Now}
}

func (c *Client) send(ctx context.Context, cmd core.Command) (net.Conn, error) {
	if cmd.Timestamp == 0 {
		cmd.Timestamp = core.UnixSeconds(c.now())
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	_ = conn.SetWriteDeadline(c.now().Add(c.timeout))
	if _, err := conn.Write(body); err != nil {
		stop()
		conn.Close()
		return nil, fmt.Errorf("send %s: %w", cmd.Command, err)
	}
	return &stoppingConn{Conn: conn, stop: stop}, nil
}

// Do sends cmd and decodes the JSON status reply. GET_VIDEO goes through
// Download instead.
func (c *Client) Do(ctx context.Context, cmd core.Command) (core.StatusResponse, error) {
	if cmd.Command == core.CommandGetVideo {
		return core.StatusResponse{}, errors.New("GET_VIDEO replies are binary; use Download")
	}
	conn, err := c.send(ctx, cmd)
	if err != nil {
		return core.StatusResponse{}, err
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(c.now().Add(c.timeout))
	var resp core.StatusResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return core.StatusResponse{}, fmt.Errorf("read %s reply: %w", cmd.Command, err)
	}
	return resp, nil
}

// Download fetches fileName and copies exactly the advertised number of
// bytes to w. A missing file is reported as a *DeviceError.
func (c *Client) Download(ctx context.Context, fileName string, w io.Writer) (core.FileResponse, error) {
	conn, err := c.send(ctx, core.Command{Command: core.CommandGetVideo, FileName: fileName})
	if err != nil {
		return core.FileResponse{}, err
	}
	defer conn.Close()

	r := bufio.NewReader(&deadlineReader{conn: conn, timeout: c.timeout, now: c.now})
	first, err := r.Peek(1)
	if err != nil {
		return core.FileResponse{}, fmt.Errorf("read reply: %w", err)
	}
	// A header starts with its length prefix; a bare JSON object is an error.
	if first[0] == '{' {
		var e core.ErrorResponse
		if err := json.NewDecoder(r).Decode(&e); err != nil {
			return core.FileResponse{}, fmt.Errorf("decode error reply: %w", err)
		}
		return core.FileResponse{}, &DeviceError{Status: e.Status, Message: e.Message}
	}

	h, err := transfer.ReadHeader(r)
	if err != nil {
		return core.FileResponse{}, err
	}
	n, err := io.CopyN(w, r, h.FileSize)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return h, fmt.Errorf("received %d of %d bytes: %w", n, h.FileSize, err)
	}
	return h, nil
}

// deadlineReader pushes the read deadline forward before every read so a
// large transfer only fails when the device stalls.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
	now     func() time.Time
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	_ = d.conn.SetReadDeadline(d.now().Add(d.timeout))
	return d.conn.Read(p)
}

type stoppingConn struct {
	net.Conn
	stop func() bool
}

func (c *stoppingConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
