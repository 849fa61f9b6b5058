package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joaohenggeler/wanderer-go/internal/logging"
)

// Job is one worker iteration batch, invoked once per due cron tick (or
// immediately, for an ad-hoc CLI run). It returns the number of snapshots
// it actually processed and any error worth logging.
type Job func(ctx context.Context, maxIterations int) (processed int, err error)

// Config tunes one worker's schedule.
type Config struct {
	Name          string
	CronExpr      string
	TimeZone      string
	MaxIterations int
	// CheckInterval governs how often the scheduler wakes to compare
	// against NextRun; it does not need to match the cron grain.
	CheckInterval time.Duration
	// Paused is polled at the top of every tick; when it reports true the
	// scheduler skips execution without disarming itself, mirroring the
	// keyboard "pause"/"exit" sentinel described in §5.
	Paused func() bool
}

// Scheduler runs a single Job on its own cron schedule until stopped.
type Scheduler struct {
	job    Job
	cfg    Config
	cron   *CronExpression
	loc    *time.Location
	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// New parses cfg.CronExpr and returns a Scheduler bound to job.
func New(job Job, cfg Config) (*Scheduler, error) {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 1
	}

	cron, err := ParseCron(cfg.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("scheduler %s: %w", cfg.Name, err)
	}

	loc := time.UTC
	if cfg.TimeZone != "" {
		loc, err = time.LoadLocation(cfg.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("scheduler %s: invalid timezone %q: %w", cfg.Name, cfg.TimeZone, err)
		}
	}

	return &Scheduler{job: job, cfg: cfg, cron: cron, loc: loc}, nil
}

// Start begins the scheduling loop in its own goroutine and returns
// immediately. Stop blocks until that goroutine exits.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop signals the loop to exit and waits for it to do so.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	next := s.cron.NextRun(time.Now(), s.loc)
	logging.Info().Str("worker", s.cfg.Name).Str("cron", s.cfg.CronExpr).Time("next_run", next).Msg("scheduler started")

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(next) {
				continue
			}
			next = s.cron.NextRun(now, s.loc)
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.cfg.Paused != nil && s.cfg.Paused() {
		logging.Info().Str("worker", s.cfg.Name).Msg("scheduler tick skipped: paused")
		return
	}

	processed, err := s.job(ctx, s.cfg.MaxIterations)
	if err != nil {
		logging.Err(err).Str("worker", s.cfg.Name).Msg("scheduler job iteration failed")
		return
	}
	logging.Info().Str("worker", s.cfg.Name).Int("processed", processed).Msg("scheduler job iteration complete")
}

// RunOnce invokes job a single time, bypassing the cron schedule entirely;
// used by ad-hoc CLI subcommands (`scout [N]`, `record [N]`, ...).
func RunOnce(ctx context.Context, job Job, maxIterations int) (int, error) {
	if maxIterations <= 0 {
		maxIterations = 1
	}
	return job(ctx, maxIterations)
}
