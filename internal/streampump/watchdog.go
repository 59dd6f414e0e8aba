package streampump

import (
	"context"
	"time"

	"github.com/execgw/gateway/internal/session"
)

// pollInterval is how often the stall watchdog re-checks last_output_at.
const pollInterval = 500 * time.Millisecond

// WatchStall returns a channel that is closed when exec has produced no
// output for longer than stallTimeout while still running. It signals the
// supervisor rather than killing anything itself — the caller decides
// what to do about a stall. The watchdog stops polling, without firing,
// once ctx is cancelled or exec ends.
func WatchStall(ctx context.Context, exec *session.Execution, stallTimeout time.Duration) <-chan struct{} {
	fired := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if exec.Ended() {
					return
				}
				last := exec.LastOutput()
				if last.IsZero() {
					last = exec.StartedAt
				}
				if time.Since(last) > stallTimeout {
					close(fired)
					return
				}
			}
		}
	}()
	return fired
}
