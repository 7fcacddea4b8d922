package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nimbus-works/staking-monitor/internal/chain"
	"github.com/nimbus-works/staking-monitor/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{fmt.Errorf("wrapped: %w", chain.ErrRangeTooLarge), RangeTooLarge},
		{syscall.ECONNRESET, Expected},
		{errors.New("websocket: close 1006"), Expected},
		{errors.New("execution reverted"), Fatal},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestFailureClockFlagsRepeatFailures(t *testing.T) {
	m := metrics.Init()
	s := New(testLogger(), m)
	clock := time.Unix(1000, 0)
	s.now = func() time.Time { return clock }

	gauge := m.AlertPollerFailed.WithLabelValues("clock_test")

	s.Failed("clock_test")
	if got := testutil.ToFloat64(gauge); got != 0 {
		t.Fatalf("alert raised after a single failure: %v", got)
	}

	clock = clock.Add(30 * time.Second)
	s.Failed("clock_test")
	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Fatalf("alert not raised after repeat failure: %v", got)
	}

	s.Recovered("clock_test")
	if got := testutil.ToFloat64(gauge); got != 0 {
		t.Fatalf("alert not cleared after recovery: %v", got)
	}

	// failures far apart never flag
	s.Failed("clock_test")
	clock = clock.Add(failureWindow + time.Second)
	s.Failed("clock_test")
	if got := testutil.ToFloat64(gauge); got != 0 {
		t.Fatalf("alert raised for failures outside the window: %v", got)
	}
}

func TestFailureClocksAreIndependent(t *testing.T) {
	m := metrics.Init()
	s := New(testLogger(), m)

	s.Failed("poller_a")
	s.Failed("poller_b")
	if got := testutil.ToFloat64(m.AlertPollerFailed.WithLabelValues("poller_a")); got != 0 {
		t.Fatalf("pollers share a failure clock: %v", got)
	}
}

func TestReconnectFlipsGauge(t *testing.T) {
	m := metrics.Init()
	s := New(testLogger(), m)
	gauge := m.AlertNotConnected.WithLabelValues("reconnect_test")

	var observed float64
	err := s.Reconnect(context.Background(), "reconnect_test", func(context.Context) error {
		observed = testutil.ToFloat64(gauge)
		return nil
	})
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if observed != 1 {
		t.Fatalf("gauge not raised during rebuild: %v", observed)
	}
	if got := testutil.ToFloat64(gauge); got != 0 {
		t.Fatalf("gauge not cleared after rebuild: %v", got)
	}
}

func TestReconnectKeepsGaugeUpOnFailure(t *testing.T) {
	m := metrics.Init()
	s := New(testLogger(), m)
	gauge := m.AlertNotConnected.WithLabelValues("reconnect_fail_test")

	boom := errors.New("no endpoint reachable")
	if err := s.Reconnect(context.Background(), "reconnect_fail_test", func(context.Context) error {
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("want rebuild error, got %v", err)
	}
	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Fatalf("gauge dropped despite failed rebuild: %v", got)
	}
}
