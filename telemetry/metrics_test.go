package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestInitIsIdempotent(t *testing.T) {
	// A second Init must not re-register collectors (which would panic).
	Init()
	Init()
	if ProbesTotal == nil {
		t.Fatal("metrics not initialized")
	}
}

func TestCorrelationRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("GetCorrelation on empty ctx = %q", got)
	}
	ctx = WithCorrelation(ctx, "corr-1")
	if got := GetCorrelation(ctx); got != "corr-1" {
		t.Errorf("GetCorrelation = %q, want corr-1", got)
	}
}

func TestTimeFunc(t *testing.T) {
	Init()
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "timefunc_test_seconds"})
	d := TimeFunc(hist, func() { time.Sleep(10 * time.Millisecond) })
	if d < 10*time.Millisecond {
		t.Errorf("observed duration %v too short", d)
	}
}
