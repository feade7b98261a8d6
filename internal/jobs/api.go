package jobs

import (
	"context"

	"github.com/cockroachdb/errors"

	"pipeorch/internal/jobstore"
)

// API is the user-facing job surface. Manifest-managed rows are read-only
// here; only the reconciler may change them.
type API struct {
	s *Service
}

func (s *Service) API() *API { return &API{s: s} }

// Create always creates a source=api job.
func (a *API) Create(ctx context.Context, p CreateParams) (jobstore.Job, error) {
	p.Source = jobstore.SourceAPI
	return a.s.Create(ctx, p)
}

func (a *API) Update(ctx context.Context, id string, p Patch) (jobstore.Job, error) {
	if err := a.guard(ctx, id); err != nil {
		return jobstore.Job{}, err
	}
	return a.s.Update(ctx, id, p)
}

func (a *API) Delete(ctx context.Context, id string) error {
	if err := a.guard(ctx, id); err != nil {
		return err
	}
	return a.s.Delete(ctx, id)
}

func (a *API) Get(ctx context.Context, id string) (View, error) { return a.s.Get(ctx, id) }

func (a *API) List(ctx context.Context, f jobstore.Filter) ([]View, error) { return a.s.List(ctx, f) }

func (a *API) guard(ctx context.Context, id string) error {
	j, err := a.s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Source.Managed() {
		return errors.Wrapf(ErrManagedJob, "job %s (source %s)", id, j.Source)
	}
	return nil
}
