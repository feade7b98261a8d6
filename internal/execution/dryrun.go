package execution

import (
	"context"
	"fmt"
	"sync/atomic"

	logx "pipeorch/pkg/logx"
)

// DryRun accepts everything and only logs. It is used when no endpoint is configured.
type DryRun struct {
	log logx.Logger
	seq atomic.Uint64
}

func NewDryRun(log logx.Logger) *DryRun {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DryRun{log: log}
}

func (d *DryRun) Submit(_ context.Context, pipeline, triggeredBy string, runConfigID *string) (Accepted, error) {
	id := fmt.Sprintf("dry-%d", d.seq.Add(1))
	d.log.Info("dry-run submit", logx.String("pipeline", pipeline), logx.String("triggered_by", triggeredBy), logx.OptString("run_config_id", runConfigID), logx.String("run_id", id))
	return Accepted{RunID: id}, nil
}

func (d *DryRun) Restart(_ context.Context, pipeline string) (Accepted, error) {
	d.log.Info("dry-run restart", logx.String("pipeline", pipeline))
	return Accepted{}, nil
}

var (
	_ Executor  = (*DryRun)(nil)
	_ Restarter = (*DryRun)(nil)
)
