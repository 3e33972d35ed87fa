package daemon

import (
	"context"
	"sync"

	"github.com/braidfs/braidfs/internal/fsmap"
)

// Run starts the daemon's steady state: warm or stub every enabled
// URL's file, open the recursive watcher, and spawn one subscription
// task per enabled URL. It blocks until ctx is cancelled, then waits
// for every spawned task to exit.
func (d *Daemon) Run(ctx context.Context, scheme string) error {
	watcher, err := NewWatcher(d, scheme)
	if err != nil {
		return err
	}

	urls := d.Config.EnabledURLs()
	for _, u := range urls {
		if err := d.WarmOrStub(u); err != nil {
			log.WithField("url", u).WithField("error", err).Warn("failed to warm cache from disk")
		}
		if path, err := fsmap.URLToPath(d.Root, u); err == nil {
			watcher.RegisterPath(path, u)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		watcher.Run(ctx)
	}()

	for _, u := range urls {
		u := u
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.SubscribeLoop(ctx, u)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}
