//go:build linux

package execution

import (
	"context"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/dbus"

	logx "pipeorch/pkg/logx"
)

// SystemdRestarter restarts daemon pipelines that run as systemd units. Restart
// returns once systemd reports the restart job finished.
type SystemdRestarter struct {
	mu       sync.RWMutex
	conn     *dbus.Conn
	template string
	log      logx.Logger
}

func NewSystemdRestarter(ctx context.Context, template string, log logx.Logger) (*SystemdRestarter, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "connect to systemd")
	}
	return &SystemdRestarter{conn: conn, template: template, log: log}, nil
}

func (r *SystemdRestarter) Restart(ctx context.Context, pipeline string) (Accepted, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conn == nil {
		return Accepted{}, errors.New("systemd connection is closed")
	}

	unit := UnitName(r.template, pipeline)
	done := make(chan string, 1)
	id, err := r.conn.RestartUnitContext(ctx, unit, "replace", done)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return Accepted{}, errors.Mark(errors.Wrapf(err, "restart %s", unit), ErrRejected)
		}
		return Accepted{}, errors.Wrapf(err, "restart %s", unit)
	}
	select {
	case res := <-done:
		if res != "done" {
			return Accepted{}, errors.Mark(errors.Newf("restart %s: job %s", unit, res), ErrRejected)
		}
	case <-ctx.Done():
		return Accepted{}, errors.Wrapf(ctx.Err(), "restart %s", unit)
	}
	r.log.Info("daemon restarted", logx.String("pipeline", pipeline), logx.String("unit", unit), logx.Int("job", id))
	return Accepted{RunID: "systemd-job-" + strconv.Itoa(id)}, nil
}

func (r *SystemdRestarter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	return nil
}

var _ Restarter = (*SystemdRestarter)(nil)
