package upload

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"

	"github.com/sua-org/multicam/internal/clock"
)

const (
	speedWindow = 250 * time.Millisecond
	speedAlpha  = 0.3
)

// progressReader counts bytes as the uploader pulls them, smooths the
// throughput with an exponential moving average and optionally throttles
// through a shared limiter.
type progressReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
	clock   clock.Clock
	report  func(total int64, speed float64)

	total      int64
	speed      float64
	windowAt   time.Time
	windowFrom int64
}

func newProgressReader(ctx context.Context, r io.Reader, limiter *rate.Limiter, clk clock.Clock, report func(int64, float64)) *progressReader {
	return &progressReader{
		ctx:      ctx,
		r:        r,
		limiter:  limiter,
		clock:    clk,
		report:   report,
		windowAt: clk.Now(),
	}
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, context.Cause(p.ctx)
	}
	if p.limiter != nil && len(b) > p.limiter.Burst() {
		b = b[:p.limiter.Burst()]
	}
	n, err := p.r.Read(b)
	if n > 0 {
		if p.limiter != nil {
			if werr := p.limiter.WaitN(p.ctx, n); werr != nil {
				return n, context.Cause(p.ctx)
			}
		}
		p.total += int64(n)
		p.sample()
		p.report(p.total, p.speed)
	}
	return n, err
}

func (p *progressReader) sample() {
	now := p.clock.Now()
	elapsed := now.Sub(p.windowAt)
	if elapsed < speedWindow {
		return
	}
	inst := float64(p.total-p.windowFrom) / elapsed.Seconds()
	if p.speed == 0 {
		p.speed = inst
	} else {
		p.speed = speedAlpha*inst + (1-speedAlpha)*p.speed
	}
	p.windowAt = now
	p.windowFrom = p.total
}

// newLimiter returns a limiter for bytesPerSec, or nil when unlimited.
func newLimiter(bytesPerSec int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := bytesPerSec
	if burst > 256<<10 {
		burst = 256 << 10
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}
