// Package retry runs operations against flaky infrastructure with a bounded,
// fixed-delay retry policy.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Policy bounds how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// Delay is the fixed pause between attempts.
	Delay time.Duration `yaml:"delay" json:"delay"`
}

// DefaultPolicy returns five attempts one second apart.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Delay: time.Second}
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// sleep is swapped out in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var logger = logrus.WithField("component", "retry")

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do invokes op until it succeeds or the policy is exhausted. The error of the
// final attempt is returned as-is.
func Do(ctx context.Context, name string, p Policy, op func(context.Context) error) error {
	_, err := DoValue(ctx, name, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, name string, p Policy, op func(context.Context) (T, error)) (T, error) {
	max := p.attempts()
	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return v, perm.err
		}
		if attempt >= max {
			logger.WithFields(logrus.Fields{
				"operation": name,
				"attempts":  attempt,
			}).WithError(err).Error("operation failed after all attempts")
			return v, err
		}
		logger.WithFields(logrus.Fields{
			"operation": name,
			"attempt":   attempt,
			"delay":     p.Delay.String(),
		}).WithError(err).Info("attempt failed, retrying")

		if serr := sleep(ctx, p.Delay); serr != nil {
			return v, errors.Join(err, serr)
		}
	}
}
