package clocksync

import (
	"context"
	"fmt"
	"time"

	"github.com/beevik/ntp"

	"github.com/sua-org/multicam/internal/clock"
)

// NTPSource queries an NTP server.
type NTPSource struct {
	server  string
	timeout time.Duration
	clock   clock.Clock
}

func NewNTPSource(server string, timeout time.Duration, clk clock.Clock) *NTPSource {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &NTPSource{server: server, timeout: timeout, clock: clk}
}

func (s *NTPSource) Query(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	timeout := s.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}

	resp, err := ntp.QueryWithOptions(s.server, ntp.QueryOptions{Timeout: timeout})
	received := s.clock.Now()
	if err != nil {
		return Sample{}, fmt.Errorf("ntp query %s: %w", s.server, err)
	}
	if err := resp.Validate(); err != nil {
		return Sample{}, fmt.Errorf("ntp response from %s: %w", s.server, err)
	}
	return Sample{Reference: resp.Time, Received: received, RTT: resp.RTT}, nil
}
