package squirrelstore

import (
	"context"
	"time"

	"github.com/Keksclan/squirrelstore/logging"
	"golang.org/x/sync/errgroup"
)

// Run saves every live handle once per autosave interval until ctx is done
// and then returns ctx.Err(). Failed saves are logged and left dirty for the
// next tick. With autosave disabled Run only waits for ctx.
func (s *Store) Run(ctx context.Context) error {
	interval := s.cfg.autoSaveInterval
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.autosave(ctx)
		}
	}
}

// autosave saves every live handle, at most autoSaveConcurrency at a time.
func (s *Store) autosave(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(s.cfg.autoSaveConcurrency)

	for _, e := range s.live() {
		g.Go(func() error {
			if err := e.Save(ctx); err != nil {
				id := e.identity()
				s.log.WithFields(logging.HandleFields(id.namespace, id.entityID, e.Key())).
					WithError(err).Warn("squirrelstore: autosave failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}
