package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when more than limit goroutines are running.
func GoroutineCountCheck(limit int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > limit {
			return errors.Errorf("goroutine count %d exceeds %d", n, limit)
		}
		return nil
	}
}

// PingFunc probes a dependency, e.g. pgxpool.Pool.Ping.
type PingFunc func(ctx context.Context) error

// DependencyCheck wraps a dependency ping with its name.
func DependencyCheck(name string, ping PingFunc) CheckFunc {
	return func(ctx context.Context) error {
		if err := ping(ctx); err != nil {
			return errors.Wrapf(err, "%s unreachable", name)
		}
		return nil
	}
}
