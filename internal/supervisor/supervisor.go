package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nimbus-works/staking-monitor/internal/chain"
	"github.com/nimbus-works/staking-monitor/internal/metrics"
)

// Kind is the coarse classification of a poll-cycle failure.
type Kind int

const (
	// Expected marks a known transient transport fault: reconnect and retry.
	Expected Kind = iota
	// RangeTooLarge marks a provider refusal of a too-wide log query: shrink
	// the window, no reconnection needed.
	RangeTooLarge
	// Fatal marks everything else. It is logged loudly but still routed
	// through reconnection: a provider anomaly must not take monitoring down.
	Fatal
)

// Classify sorts a cycle error into the taxonomy the pollers act on.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, chain.ErrRangeTooLarge):
		return RangeTooLarge
	case chain.IsExpectedNetworkFault(err):
		return Expected
	default:
		return Fatal
	}
}

// failureWindow is how close together two failed cycles must land for a
// poller to count as persistently unhealthy rather than transiently unlucky.
const failureWindow = 180 * time.Second

// Supervisor tracks per-poller failure clocks and drives the reconnect
// protocol. Poller identity is a static label chosen at wiring time, never
// derived from call arguments.
type Supervisor struct {
	log *slog.Logger
	m   *metrics.Metrics
	now func() time.Time

	mu          sync.Mutex
	lastFailure map[string]time.Time
}

func New(log *slog.Logger, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		log:         log,
		m:           m,
		now:         time.Now,
		lastFailure: make(map[string]time.Time),
	}
}

// Failed records a failed cycle. A second failure within the rolling window
// flips the poller's failing alert; a lone blip does not.
func (s *Supervisor) Failed(poller string) {
	now := s.now()
	s.mu.Lock()
	last, seen := s.lastFailure[poller]
	s.lastFailure[poller] = now
	s.mu.Unlock()

	if seen && now.Sub(last) <= failureWindow {
		s.m.AlertPollerFailed.WithLabelValues(poller).Set(1)
		s.log.Warn("poller keeps failing", "poller", poller, "since_last", now.Sub(last))
	}
}

// Recovered records a clean cycle, resetting the failure clock and clearing
// the failing alert.
func (s *Supervisor) Recovered(poller string) {
	s.mu.Lock()
	delete(s.lastFailure, poller)
	s.mu.Unlock()
	s.m.AlertPollerFailed.WithLabelValues(poller).Set(0)
}

// Reconnect raises the poller's disconnected alert, runs rebuild to restore
// the chain connection, and clears the alert once it succeeds. The alert
// stays up if rebuild fails.
func (s *Supervisor) Reconnect(ctx context.Context, poller string, rebuild func(context.Context) error) error {
	s.m.AlertNotConnected.WithLabelValues(poller).Set(1)
	s.log.Warn("connection lost, rebuilding", "poller", poller)
	if err := rebuild(ctx); err != nil {
		return err
	}
	s.m.AlertNotConnected.WithLabelValues(poller).Set(0)
	s.log.Info("connection restored", "poller", poller)
	return nil
}
