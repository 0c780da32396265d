package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/sua-org/multicam/internal/clock"
	"github.com/sua-org/multicam/internal/core"
)

func TestProgressReaderSmoothsSpeed(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	var totals []int64
	var speed float64
	pr := newProgressReader(context.Background(), bytes.NewReader(make([]byte, 1000)), nil, clk, func(total int64, s float64) {
		totals = append(totals, total)
		speed = s
	})

	buf := make([]byte, 100)
	read := func() {
		t.Helper()
		if _, err := pr.Read(buf); err != nil {
			t.Fatal(err)
		}
	}

	read()
	if speed != 0 {
		t.Fatalf("speed before first window = %v", speed)
	}
	clk.Advance(500 * time.Millisecond)
	read()
	if speed != 400 {
		t.Fatalf("first window speed = %v, want 400", speed)
	}
	clk.Advance(500 * time.Millisecond)
	read()
	if math.Abs(speed-340) > 1e-9 {
		t.Fatalf("smoothed speed = %v, want 340", speed)
	}
	if len(totals) != 3 || totals[2] != 300 {
		t.Fatalf("totals = %v", totals)
	}
}

func TestProgressReaderStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	pr := newProgressReader(ctx, bytes.NewReader(make([]byte, 10)), nil, clock.Real(), func(int64, float64) {})
	cancel(ErrStalled)
	if _, err := io.ReadAll(pr); !errors.Is(err, ErrStalled) {
		t.Fatalf("err = %v", err)
	}
}

func TestNewLimiter(t *testing.T) {
	if newLimiter(0) != nil {
		t.Fatal("limiter for unlimited bandwidth")
	}
	if l := newLimiter(10 << 20); l.Burst() != 256<<10 {
		t.Fatalf("burst = %d", l.Burst())
	}
	if l := newLimiter(1000); l.Burst() != 1000 {
		t.Fatalf("burst = %d", l.Burst())
	}
}

func TestRouterRejectsUnconfiguredKind(t *testing.T) {
	err := Router{}.Upload(context.Background(), core.Destination{Bucket: "b", Key: "k"}, bytes.NewReader(nil), 0)
	if !IsPermanent(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestStatusFailureClassification(t *testing.T) {
	for code, perm := range map[int]bool{400: true, 403: true, 404: true, 408: false, 429: false, 500: false, 503: false} {
		if got := IsPermanent(statusFailure(code, "")); got != perm {
			t.Errorf("HTTP %d permanent = %v", code, got)
		}
	}
}

func TestAWSEndpoint(t *testing.T) {
	cases := map[string]string{
		"":          "s3.amazonaws.com",
		"us-east-1": "s3.amazonaws.com",
		"eu-west-1": "s3.eu-west-1.amazonaws.com",
	}
	for region, want := range cases {
		if got := awsEndpoint(region); got != want {
			t.Errorf("awsEndpoint(%q) = %q, want %q", region, got, want)
		}
	}
}

func TestRedact(t *testing.T) {
	if got := redact("https://b.s3.amazonaws.com/k?X-Amz-Signature=secret"); got != "https://b.s3.amazonaws.com/k" {
		t.Fatalf("redact = %q", got)
	}
}
