package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"server/internal/adapter/repo"
	"server/internal/domain"
	"server/internal/infra"
	"server/internal/providers/veo"
	"server/internal/storage"
)

// Config sizes the pool and its timing knobs.
type Config struct {
	Size              int
	QueuePollInterval time.Duration
	GenerationTimeout time.Duration
	StaleRunningAfter time.Duration
	SweepInterval     time.Duration
	RefundOnFailure   bool
}

// Pool runs a fixed number of workers against the shared durable queue plus a
// reconciliation sweeper for jobs orphaned by a lost worker. Pool size bounds
// total generation throughput; per-user fairness is already enforced at
// intake.
type Pool struct {
	cfg       Config
	jobs      *repo.VideoJobRepository
	ledger    *repo.LedgerRepository
	generator veo.Generator
	store     *storage.FileStore
	logger    infra.Logger
}

// New assembles a worker pool.
func New(cfg Config, jobs *repo.VideoJobRepository, ledger *repo.LedgerRepository, generator veo.Generator, store *storage.FileStore, logger infra.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.QueuePollInterval <= 0 {
		cfg.QueuePollInterval = 2 * time.Second
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 10 * time.Minute
	}
	return &Pool{
		cfg:       cfg,
		jobs:      jobs,
		ledger:    ledger,
		generator: generator,
		store:     store,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled. Jobs in flight at shutdown are left
// RUNNING and picked up again by the staleness sweep.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().Int("workers", p.cfg.Size).Msg("dispatch: pool started")

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Size; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.workerLoop(ctx, worker)
		}(i)
	}

	if p.cfg.SweepInterval > 0 && p.cfg.StaleRunningAfter > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.sweepLoop(ctx)
		}()
	}

	wg.Wait()
	p.logger.Info().Msg("dispatch: pool stopped")
	return ctx.Err()
}

func (p *Pool) workerLoop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.jobs.Claim(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) && ctx.Err() == nil {
				p.logger.Error().Err(err).Int("worker", worker).Msg("dispatch: claim failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.QueuePollInterval):
			}
			continue
		}

		p.process(ctx, worker, job)
	}
}

func (p *Pool) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ids, err := p.jobs.RequeueStale(ctx, p.cfg.StaleRunningAfter)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("dispatch: staleness sweep failed")
			}
			continue
		}
		for _, id := range ids {
			p.logger.Warn().Str("job_id", id).Msg("dispatch: requeued stale job")
		}
	}
}
