package manifest

import (
	"context"
	"errors"

	"github.com/withObsrvr/mkpipe/pkg/retry"
)

type retrying struct {
	Store
	policy retry.Policy
}

// WithRetry retries every manifest operation under policy. Lookups that end
// in ErrNotFound or invalid updates are not retried.
func WithRetry(s Store, policy retry.Policy) Store {
	if policy.MaxAttempts <= 1 {
		return s
	}
	return &retrying{Store: s, policy: policy}
}

func (r *retrying) do(ctx context.Context, name string, op func(context.Context) error) error {
	return retry.Do(ctx, name, r.policy, func(ctx context.Context) error {
		err := op(ctx)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidUpdate) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (r *retrying) EnsureSchema(ctx context.Context) error {
	return r.do(ctx, "manifest.ensure_schema", r.Store.EnsureSchema)
}

func (r *retrying) GetStatus(ctx context.Context, table string) (status Status, found bool, err error) {
	err = r.do(ctx, "manifest.get_status", func(ctx context.Context) error {
		var e error
		status, found, e = r.Store.GetStatus(ctx, table)
		return e
	})
	return status, found, err
}

func (r *retrying) GetLastPoint(ctx context.Context, table string) (p Point, found bool, err error) {
	err = r.do(ctx, "manifest.get_last_point", func(ctx context.Context) error {
		var e error
		p, found, e = r.Store.GetLastPoint(ctx, table)
		return e
	})
	return p, found, err
}

func (r *retrying) Upsert(ctx context.Context, u Update) (o Outcome, err error) {
	err = r.do(ctx, "manifest.upsert", func(ctx context.Context) error {
		var e error
		o, e = r.Store.Upsert(ctx, u)
		return e
	})
	return o, err
}

func (r *retrying) Get(ctx context.Context, table string) (e *Entry, err error) {
	err = r.do(ctx, "manifest.get", func(ctx context.Context) error {
		var ge error
		e, ge = r.Store.Get(ctx, table)
		return ge
	})
	return e, err
}

func (r *retrying) List(ctx context.Context) (es []Entry, err error) {
	err = r.do(ctx, "manifest.list", func(ctx context.Context) error {
		var le error
		es, le = r.Store.List(ctx)
		return le
	})
	return es, err
}
