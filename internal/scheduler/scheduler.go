// Package scheduler runs the audit maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
	"github.com/pesio-ai/be-p2p-coordinator/internal/logger"
)

// Job names.
const (
	JobReplayDeadLetters = "audit-replay-dead-letters"
	JobPurgeExpired      = "audit-purge-expired"
)

// AuditMaintainer is the part of the audit recorder the jobs drive.
type AuditMaintainer interface {
	ReplayDeadLetters(ctx context.Context) (int, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

// Schedules holds cron specs per job. An empty spec disables the job.
type Schedules struct {
	ReplayDeadLetters string
	PurgeExpired      string
}

// Scheduler wraps a cron runner. Jobs of the same name never overlap.
type Scheduler struct {
	cron    *cron.Cron
	audit   AuditMaintainer
	log     *logger.Logger
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// New registers every enabled job. An invalid cron spec is a configuration
// error.
func New(audit AuditMaintainer, schedules Schedules, log *logger.Logger) (*Scheduler, error) {
	log = log.Component("scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	runner := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s := &Scheduler{
		cron:    runner,
		audit:   audit,
		log:     log,
		timeout: 10 * time.Minute,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{JobReplayDeadLetters, schedules.ReplayDeadLetters, s.replayDeadLetters},
		{JobPurgeExpired, schedules.PurgeExpired, s.purgeExpired},
	}
	for _, j := range jobs {
		if j.spec == "" {
			log.Info().Str("job", j.name).Msg("Job disabled")
			continue
		}
		if err := s.add(j.name, j.spec, j.run); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, spec string, run func(context.Context) error) error {
	id, err := s.cron.AddFunc(spec, func() { s.RunJob(name, run) })
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfiguration, "invalid schedule for "+name+": "+spec)
	}
	s.mu.Lock()
	s.entries[name] = id
	s.mu.Unlock()
	s.log.Info().Str("job", name).Str("schedule", spec).Msg("Job scheduled")
	return nil
}

// Jobs returns the names of the scheduled jobs.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.Jobs())).Msg("Scheduler started")
}

// Stop cancels running jobs and waits for them to return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn().Msg("Scheduler stop timed out with jobs still running")
	}
	s.log.Info().Msg("Scheduler stopped")
}

// RunJob executes one job run with a bounded context and logs the outcome.
func (s *Scheduler) RunJob(name string, run func(context.Context) error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	if err := run(ctx); err != nil {
		s.log.Error().Err(err).Str("job", name).Dur("duration", time.Since(start)).Msg("Job failed")
		return
	}
	s.log.Debug().Str("job", name).Dur("duration", time.Since(start)).Msg("Job finished")
}

func (s *Scheduler) replayDeadLetters(ctx context.Context) error {
	_, err := s.audit.ReplayDeadLetters(ctx)
	return err
}

func (s *Scheduler) purgeExpired(ctx context.Context) error {
	_, err := s.audit.PurgeExpired(ctx)
	return err
}
