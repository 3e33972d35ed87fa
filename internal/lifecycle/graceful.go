// Package lifecycle manages graceful shutdown of the daemon's
// concurrent pieces (subscribe loops, the watcher, the bridge poll
// loop, the libp2p host): registered teardown funcs are started in
// reverse registration order and run concurrently under a deadline, so
// the order in which they finish is not defined; failures are
// aggregated via go.uber.org/multierr.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/braidfs/braidfs/internal/logging"
)

var log = logging.For("shutdown")

// GracefulShutdown runs registered shutdown functions concurrently,
// in reverse registration order, bounded by a timeout.
type GracefulShutdown struct {
	mu         sync.Mutex
	shutdownFn []func() error
	timeout    time.Duration
}

// New creates a shutdown manager with the given overall timeout.
func New(timeout time.Duration) *GracefulShutdown {
	return &GracefulShutdown{timeout: timeout}
}

// Register adds fn to the set run on Shutdown.
func (g *GracefulShutdown) Register(fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shutdownFn = append(g.shutdownFn, fn)
}

// Shutdown runs every registered function, collecting all errors via
// multierr rather than only the first, and returns once all have
// completed or the timeout elapses.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	fns := append([]func() error(nil), g.shutdownFn...)
	g.mu.Unlock()

	log.WithField("components", len(fns)).Info("starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	errs := make([]error, len(fns))
	var wg sync.WaitGroup
	for i := len(fns) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(idx int, fn func() error) {
			defer wg.Done()
			if err := fn(); err != nil {
				log.WithField("index", idx).WithField("error", err).Error("shutdown function failed")
				errs[idx] = err
			}
		}(i, fns[i])
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown complete")
		return multierr.Combine(errs...)
	case <-shutdownCtx.Done():
		log.Warn("graceful shutdown timed out")
		return multierr.Append(multierr.Combine(errs...), context.DeadlineExceeded)
	}
}
