package backend

import (
	"context"
	"time"

	"github.com/Klingon-tech/escrowd/pkg/goroutine"
	"github.com/Klingon-tech/escrowd/pkg/logging"
)

// fetchFunc returns observations newer than the previous call, in chain
// order. Implementations keep their own cursor.
type fetchFunc func(ctx context.Context) ([]Observation, error)

// pollWatch runs fetch every interval and forwards the observations until
// ctx is cancelled. Fetch errors are logged and retried on the next tick.
func pollWatch(ctx context.Context, log *logging.Logger, name string, interval time.Duration, fetch fetchFunc) <-chan Observation {
	out := make(chan Observation, 64)

	goroutine.SafeGo(log, name+"-watch", func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			obs, err := fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("Poll failed", "error", err)
			}
			for _, o := range obs {
				select {
				case out <- o:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})

	return out
}
