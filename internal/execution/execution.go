// Package execution holds the clients for the pipeline-execution backend and
// the daemon-restart service. Both only report acceptance: a nil error means a
// run record exists and the backend took the request.
package execution

import (
	"context"

	"github.com/cockroachdb/errors"
)

// ErrRejected marks a request the backend answered but did not accept.
var ErrRejected = errors.New("execution request rejected")

// Executor submits a pipeline run. runConfigID nil selects the default configuration.
type Executor interface {
	Submit(ctx context.Context, pipeline, triggeredBy string, runConfigID *string) (Accepted, error)
}

// Restarter restarts a long-running daemon pipeline.
type Restarter interface {
	Restart(ctx context.Context, pipeline string) (Accepted, error)
}

// Accepted is the backend's acknowledgement.
type Accepted struct {
	RunID string `json:"run_id,omitempty"`
}
