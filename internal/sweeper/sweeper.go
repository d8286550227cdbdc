// Package sweeper periodically purges idempotency keys that can no longer be
// replayed usefully.
package sweeper

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/tenmo-ledger/internal/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var keysPurged = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ledger_idempotency_keys_purged_total",
	Help: "Idempotency keys removed by the sweeper",
})

type Options struct {
	Schedule string
	// StaleAfter is how long an in-progress key may stay reserved.
	StaleAfter time.Duration
	// TTL is how long a completed key keeps replaying its response.
	TTL time.Duration
}

type Sweeper struct {
	cron   *cron.Cron
	keys   store.IdempotencyStore
	logger *zap.Logger
	opts   Options
	now    func() time.Time
}

func New(keys store.IdempotencyStore, logger *zap.Logger, opts Options) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	return &Sweeper{
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		keys:   keys,
		logger: logger,
		opts:   opts,
		now:    time.Now,
	}
}

// Start schedules the sweep and starts the cron runner.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.opts.Schedule, s.Sweep); err != nil {
		return err
	}
	s.logger.Info("scheduled idempotency key sweep", zap.String("schedule", s.opts.Schedule))
	s.cron.Start()
	return nil
}

// Stop stops scheduling; the returned context is done once a running sweep finishes.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := s.now()
	n, err := s.keys.PurgeKeys(ctx, now.Add(-s.opts.StaleAfter), now.Add(-s.opts.TTL))
	if err != nil {
		s.logger.Error("idempotency key sweep failed", zap.Error(err))
		return
	}
	keysPurged.Add(float64(n))
	if n > 0 {
		s.logger.Info("purged idempotency keys", zap.Int64("count", n))
	}
}
