package chain

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// The dialer sweeps the candidate list this many times before giving up;
// startup fails hard, reconnection keeps the poller alive but alerting.
const maxDialSweeps = 20

// Dialer rebuilds chain connections by walking a candidate endpoint list,
// sleeping a full timeout between sweeps.
type Dialer struct {
	Endpoints []string
	Timeout   time.Duration
	Log       *slog.Logger
}

// Para dials the first reachable parachain endpoint. It sweeps the candidate
// list up to maxDialSweeps times.
func (d Dialer) Para(ctx context.Context) (*Client, error) {
	for sweep := 0; sweep < maxDialSweeps; sweep++ {
		for _, url := range d.Endpoints {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			client, err := DialPara(ctx, url, d.Timeout)
			if err != nil {
				d.Log.Warn("failed to connect to parachain node", "url", url, "error", err)
				continue
			}
			d.Log.Info("connected to parachain node", "url", url)
			return client, nil
		}
		d.Log.Error("failed to connect to any parachain node", "sweep", sweep+1)
		if !sleepCtx(ctx, d.Timeout) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("no parachain endpoint reachable after %d sweeps", maxDialSweeps)
}

// Relay dials the first reachable relay chain endpoint, with the same sweep
// behavior as Para.
func (d Dialer) Relay(ctx context.Context) (*RelayClient, error) {
	for sweep := 0; sweep < maxDialSweeps; sweep++ {
		for _, url := range d.Endpoints {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			client, err := DialRelay(ctx, url, d.Timeout)
			if err != nil {
				d.Log.Warn("failed to connect to relay node", "url", url, "error", err)
				continue
			}
			d.Log.Info("connected to relay node", "url", url)
			return client, nil
		}
		d.Log.Error("failed to connect to any relay node", "sweep", sweep+1)
		if !sleepCtx(ctx, d.Timeout) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("no relay endpoint reachable after %d sweeps", maxDialSweeps)
}

// sleepCtx sleeps for d or until ctx is done; it reports false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
