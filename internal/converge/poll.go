package converge

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// waitForState re-probes the deployment until the wanted state is observed
// or the window closes. Closing the window is deliberately silent: the
// caller has already recorded its outcome and the wait is best-effort
// confirmation, not a hard guarantee.
//
// Transient probe failures re-poll after the short error interval; valid
// responses that simply do not match yet re-poll after the longer one.
func (e *Engine) waitForState(ctx context.Context, name string, want State, window time.Duration) {
	deadline := e.config.Clock.Now().Add(window)
	for {
		existence := e.Probe(ctx, name)
		if existence.State == want {
			e.config.Logger.Info("Deployment reached expected state",
				zap.String("name", name),
				zap.Stringer("state", want))
			return
		}

		interval := e.config.PollInterval
		if existence.State == Indeterminate {
			interval = e.config.ErrorRetryInterval
		}
		if e.config.Clock.Now().Add(interval).After(deadline) {
			e.config.Logger.Warn("Gave up waiting for deployment state",
				zap.String("name", name),
				zap.Stringer("want", want))
			return
		}

		select {
		case <-e.config.Clock.After(interval):
		case <-ctx.Done():
			return
		}
	}
}
