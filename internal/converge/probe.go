package converge

import (
	"context"

	"azvm/internal/asm"

	"go.uber.org/zap"
)

// State tags the probed existence of a deployment.
type State int

const (
	// Found means the deployment exists.
	Found State = iota
	// NotFound means the provider definitively reported no such
	// deployment.
	NotFound
	// Indeterminate means the probe itself failed; the deployment may or
	// may not exist. It is never a valid convergence signal on its own.
	Indeterminate
)

func (s State) String() string {
	switch s {
	case Found:
		return "found"
	case NotFound:
		return "not-found"
	default:
		return "indeterminate"
	}
}

// Existence is the tagged result of one probe. Err is set only for
// Indeterminate and carries the provider failure.
type Existence struct {
	State State
	Err   error
}

// Probe queries the deployment named after the instance. Absence reported
// by the provider maps to NotFound; any other failure to Indeterminate,
// so callers must decide explicitly whether to abort or retry.
func (e *Engine) Probe(ctx context.Context, name string) Existence {
	_, err := e.config.API.GetDeployment(ctx, name, name)
	switch {
	case err == nil:
		return Existence{State: Found}
	case asm.IsNotFound(err):
		return Existence{State: NotFound}
	default:
		e.config.Logger.Debug("Probe failed",
			zap.String("name", name),
			zap.Error(err))
		return Existence{State: Indeterminate, Err: err}
	}
}
