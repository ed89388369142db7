// Package scheduler runs the recurring maintenance jobs: the nightly data
// check and the weekly walk-forward optimization that feeds proposals.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Stratton1/SOLATv3.1-sub000/allowlist"
	"github.com/Stratton1/SOLATv3.1-sub000/walkforward"
)

const defaultCheckInterval = 60 * time.Second

// JobFunc is one schedulable unit of work.
type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	every   time.Duration
	lastRun time.Time
	run     JobFunc
}

// Config sets the job cadences.
type Config struct {
	CheckInterval  time.Duration // scheduler tick; 0 = 60s
	DataCheckEvery time.Duration // 0 = 24h
	OptimizeEvery  time.Duration // 0 = 168h
}

// Scheduler ticks every CheckInterval and runs due jobs.
type Scheduler struct {
	mu   sync.Mutex
	cfg  Config
	jobs []*job
	now  func() time.Time
}

func New(cfg Config, dataCheck, optimize JobFunc) *Scheduler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.DataCheckEvery <= 0 {
		cfg.DataCheckEvery = 24 * time.Hour
	}
	if cfg.OptimizeEvery <= 0 {
		cfg.OptimizeEvery = 168 * time.Hour
	}

	s := &Scheduler{
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
	if dataCheck != nil {
		s.jobs = append(s.jobs, &job{name: "nightly_data_check", every: cfg.DataCheckEvery, run: dataCheck})
	}
	if optimize != nil {
		s.jobs = append(s.jobs, &job{name: "weekly_optimize", every: cfg.OptimizeEvery, run: optimize})
	}
	return s
}

// SetClock overrides the scheduler clock, for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// MarkRan seeds a job's last-run time, e.g. after a manual invocation.
func (s *Scheduler) MarkRan(name string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			j.lastRun = at
		}
	}
}

// Run loops until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().Dur("check_interval", s.cfg.CheckInterval).Int("jobs", len(s.jobs)).Msg("Scheduler started")
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every due job once. Exposed so tests can drive time directly.
func (s *Scheduler) Tick(ctx context.Context) []string {
	s.mu.Lock()
	now := s.now()
	var due []*job
	for _, j := range s.jobs {
		if now.Sub(j.lastRun) >= j.every {
			j.lastRun = now
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	ran := make([]string, 0, len(due))
	for _, j := range due {
		log.Info().Str("job", j.name).Msg("Scheduler job starting")
		if err := j.run(ctx); err != nil {
			log.Error().Err(err).Str("job", j.name).Msg("Scheduler job failed")
		} else {
			log.Info().Str("job", j.name).Msg("Scheduler job completed")
		}
		ran = append(ran, j.name)
	}
	return ran
}

// OptimizeJob builds the weekly job: walk-forward, select, propose. The
// proposal is never applied here; an operator applies it explicitly.
func OptimizeJob(opt *walkforward.Optimizer, wfCfg walkforward.Config, selCfg walkforward.SelectorConfig, proposals *allowlist.ProposalStore) JobFunc {
	return func(ctx context.Context) error {
		report, err := opt.Run(wfCfg)
		if err != nil {
			return err
		}

		selections := walkforward.Select(report.Recommendations, selCfg)
		if len(selections) == 0 {
			log.Info().Str("run_id", report.RunID).Msg("Weekly optimize produced no selectable combos")
			return nil
		}

		entries := make([]allowlist.Entry, 0, len(selections))
		now := time.Now().UTC()
		for _, sel := range selections {
			entries = append(entries, allowlist.Entry{
				Key:         sel.Rec.Key,
				Sharpe:      sel.Rec.MeanSharpe,
				WinRate:     sel.Rec.PctProfitable,
				SourceRunID: report.RunID,
				ValidatedAt: now,
				Enabled:     true,
			})
		}
		proposal, err := proposals.Create(entries, report.RunID)
		if err != nil {
			return err
		}
		log.Info().
			Str("proposal_id", proposal.ID).
			Int("entries", len(entries)).
			Str("run_id", report.RunID).
			Msg("Weekly optimize proposal created (awaiting explicit apply)")
		return nil
	}
}
