package squirrelstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Keksclan/squirrelstore/logging"
	"github.com/Keksclan/squirrelstore/retry"
	"golang.org/x/sync/errgroup"
)

// SessionEnded is emitted by the host when an entity's session is over.
type SessionEnded struct {
	EntityID string
}

// EndSession finishes every live handle of entityID: it runs the
// BindToClose callback, saves with retries and releases the handle.
// A handle whose final save runs out of retries is still released; its
// error wraps [ErrDataLoss]. Handles already being finished by a concurrent
// EndSession or Close are skipped.
func (s *Store) EndSession(ctx context.Context, entityID string) error {
	var errs []error
	for _, e := range s.claim(func(id identity) bool { return id.entityID == entityID }) {
		if err := s.finish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WatchSessions calls EndSession for every event until events is closed or
// ctx is done. Flushes already started run to completion, detached from
// ctx's cancellation, before WatchSessions returns.
func (s *Store) WatchSessions(ctx context.Context, events <-chan SessionEnded) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	flushCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.EndSession(flushCtx, ev.EntityID); err != nil {
					s.log.WithError(err).WithField("entity", ev.EntityID).Error("squirrelstore: end session")
				}
			}()
		}
	}
}

// Close ends every live session concurrently and refuses further Opens.
// It returns the joined errors of the final saves.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, e := range s.claim(func(identity) bool { return true }) {
		g.Go(func() error {
			if err := s.finish(ctx, e); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// finish runs the end-of-session sequence for one handle.
func (s *Store) finish(ctx context.Context, e entry) error {
	id := e.identity()
	log := s.log.WithFields(logging.HandleFields(id.namespace, id.entityID, e.Key()))

	e.runClose()

	cfg := s.cfg.shutdownRetry
	cfg.Retryable = isRetryableSave
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.WithError(err).WithField("attempt", attempt).WithField("delay", delay).
			Warn("squirrelstore: final save failed, retrying")
	}

	attempt := 0
	_, err := retry.Do(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		attempt++
		return struct{}{}, e.flush(ctx, attempt)
	})
	s.release(e)

	if err != nil {
		log.WithError(err).WithField("data_loss", true).WithField("attempts", attempt).
			Error("squirrelstore: final save gave up, unsaved data lost")
		s.cfg.metrics.DataLoss(id.namespace)
		return fmt.Errorf("%w: %s: %w", ErrDataLoss, e.Key(), err)
	}
	return nil
}
