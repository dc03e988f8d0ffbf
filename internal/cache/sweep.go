package cache

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper runs the durable-tier expiry sweep on a schedule, independent of
// reads.
type Sweeper struct {
	cron  *cron.Cron
	store *Store
}

// NewSweeper schedules SweepExpired on the given cron spec (e.g. "@hourly").
func NewSweeper(store *Store, spec string) (*Sweeper, error) {
	c := cron.New()
	sw := &Sweeper{cron: c, store: store}
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		n, err := store.SweepExpired(ctx)
		if err != nil {
			zap.L().Error("cache: expiry sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			zap.L().Info("cache: expiry sweep", zap.Int("deleted", n))
		}
	})
	if err != nil {
		return nil, err
	}
	return sw, nil
}

// Start begins scheduled sweeps.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
