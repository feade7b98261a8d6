//go:build !linux

package execution

import (
	"context"

	"github.com/cockroachdb/errors"

	logx "pipeorch/pkg/logx"
)

type SystemdRestarter struct{}

func NewSystemdRestarter(context.Context, string, logx.Logger) (*SystemdRestarter, error) {
	return nil, errors.New("systemd restarter is only available on linux")
}

func (r *SystemdRestarter) Restart(context.Context, string) (Accepted, error) {
	return Accepted{}, errors.New("systemd restarter is only available on linux")
}

func (r *SystemdRestarter) Close() error { return nil }
