package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/dbqueue/core/logger"
)

// ErrNotReady is returned by Readiness when at least one check fails.
var ErrNotReady = errors.New("service not ready")

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(context.Context) error

// Check is a named dependency check.
type Check struct {
	Name string
	Fn   CheckFunc
}

// Named pairs a check function with the name used in logs and results.
func Named(name string, fn CheckFunc) Check {
	return Check{Name: name, Fn: fn}
}

// Result is the outcome of one check.
type Result struct {
	Name    string
	Err     error
	Elapsed time.Duration
}

// OK reports whether the check passed.
func (r Result) OK() bool { return r.Err == nil }

// Report runs checks in order and returns one result per check.
// A nil check function counts as a failure.
func Report(ctx context.Context, checks ...Check) []Result {
	results := make([]Result, 0, len(checks))
	for _, c := range checks {
		start := time.Now()
		var err error
		if c.Fn == nil {
			err = fmt.Errorf("check %q has no function", c.Name)
		} else {
			err = c.Fn(ctx)
		}
		results = append(results, Result{Name: c.Name, Err: err, Elapsed: time.Since(start)})
	}
	return results
}

// Readiness returns a probe that runs all checks and joins the failures with
// ErrNotReady. Each failure is logged with the check name.
func Readiness(log *slog.Logger, checks ...Check) CheckFunc {
	if log == nil {
		log = logger.Discard()
	}
	return func(ctx context.Context) error {
		var errs []error
		for _, r := range Report(ctx, checks...) {
			if r.OK() {
				continue
			}
			log.ErrorContext(ctx, "readiness check failed",
				slog.String("check", r.Name),
				logger.Duration(r.Elapsed),
				logger.Error(r.Err))
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
		}
		if len(errs) == 0 {
			return nil
		}
		return errors.Join(append([]error{ErrNotReady}, errs...)...)
	}
}
