// Package scheduler drives the periodic pipeline jobs: the rule-engine
// pass, the anomaly pass, the proposal miner and the proposal test expiry.
// Every job is strictly serialized with itself; a tick that lands while
// the previous run is still going is skipped, and a failing or panicking
// run is recorded and never stops the ticker.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/agingos/agingos-go-rewrite/internal/anomaly"
	"github.com/agingos/agingos-go-rewrite/internal/config"
	"github.com/agingos/agingos-go-rewrite/internal/deviations"
	"github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/proposals"
)

// Job keys, which double as job_status row keys.
const (
	JobDeviations      = "persist_deviations_v1"
	JobAnomalies       = "anomalies_runner"
	JobProposalsMiner  = "proposals_miner"
	JobProposalsExpiry = "proposals_expiry"
)

const (
	minerInterval  = 24 * time.Hour
	expiryInterval = 10 * time.Minute
	stopTimeout    = 5 * time.Second
)

// RunFunc executes one pass and returns the payload stored in job_status.
type RunFunc func(ctx context.Context) (any, error)

// RunnerStatus is the process-local view of one job's recent history.
type RunnerStatus struct {
	Key             string     `json:"key"`
	IntervalSeconds int        `json:"interval_seconds"`
	Runs            int64      `json:"runs"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	LastOkAt        *time.Time `json:"last_ok_at,omitempty"`
	LastErrorAt     *time.Time `json:"last_error_at,omitempty"`
	LastErrorMsg    string     `json:"last_error_msg,omitempty"`
	LastSummary     any        `json:"last_summary,omitempty"`
}

type job struct {
	key      string
	interval time.Duration
	run      RunFunc

	running sync.Mutex // held for the duration of one run

	mu     sync.Mutex
	status RunnerStatus
}

func newJob(key string, interval time.Duration, run RunFunc) *job {
	return &job{
		key:      key,
		interval: interval,
		run:      run,
		status:   RunnerStatus{Key: key, IntervalSeconds: int(interval / time.Second)},
	}
}

// invoke runs the job body and turns a panic into an error.
func (j *job) invoke(ctx context.Context) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job", j.key).Interface("panic", r).Msg("Job panicked")
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return j.run(ctx)
}

func (j *job) record(now time.Time, payload any, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	at := now
	j.status.Runs++
	j.status.LastRunAt = &at
	if err != nil {
		j.status.LastErrorAt = &at
		j.status.LastErrorMsg = err.Error()
		return
	}
	j.status.LastOkAt = &at
	j.status.LastErrorMsg = ""
	j.status.LastSummary = payload
}

func (j *job) snapshot() RunnerStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Pipeline collects the run-once entry points the scheduler drives.
type Pipeline struct {
	Rules      *config.RuleProvider
	Deviations *deviations.Service
	Anomalies  *anomaly.Runner
	Miner      *proposals.Miner
	Proposals  *proposals.Store
}

// Scheduler owns one ticker goroutine per job. Start and Stop are
// idempotent; the zero interval set comes from New.
type Scheduler struct {
	status *StatusStore
	jobs   []*job

	// OnComplete, when set before Start, receives every finished run.
	// Skipped ticks do not fire it.
	OnComplete func(key string, payload any, err error)

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New builds the standard four jobs. The rule-engine and anomaly cadence
// comes from the rules configuration at construction time; window lengths
// and rule parameters are re-read from the provider on every run.
func New(db *sql.DB, p Pipeline) *Scheduler {
	interval := time.Duration(p.Rules.Current().IntervalMinutes()) * time.Minute
	return &Scheduler{
		status: NewStatusStore(db),
		jobs: []*job{
			newJob(JobDeviations, interval, func(ctx context.Context) (any, error) {
				sum, err := p.Deviations.RunOnce(ctx, p.Rules.Current(), time.Now().UTC())
				if err != nil {
					return nil, err
				}
				return sum, nil
			}),
			newJob(JobAnomalies, interval, func(ctx context.Context) (any, error) {
				sum, err := p.Anomalies.RunOnce(ctx, time.Now().UTC())
				if err != nil {
					return nil, err
				}
				return sum, nil
			}),
			newJob(JobProposalsMiner, minerInterval, func(ctx context.Context) (any, error) {
				sum, err := p.Miner.Mine(ctx, time.Now().UTC())
				if err != nil {
					return nil, err
				}
				return sum, nil
			}),
			newJob(JobProposalsExpiry, expiryInterval, func(ctx context.Context) (any, error) {
				now := time.Now().UTC()
				n, err := p.Proposals.ExpireTests(ctx, now)
				if err != nil {
					return nil, err
				}
				return map[string]any{"ts": now, "expired": n}, nil
			}),
		},
	}
}

// Start launches the job loops. Each job runs once immediately and then on
// its own ticker. A second Start while running is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	stopped := s.stopped
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			s.loop(runCtx, j)
		}(j)
	}
	go func() {
		wg.Wait()
		close(stopped)
	}()

	log.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	s.runJob(ctx, j)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runJob(ctx, j)
		}
	}
}

// Stop cancels the loops and waits briefly for them to drain. The
// scheduler can be started again afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-stopped:
	case <-time.After(stopTimeout):
		log.Warn().Msg("Scheduler stop timed out waiting for jobs")
	}
}

// Trigger runs one job immediately, outside its cadence. A run already in
// progress is reported as a conflict rather than queued.
func (s *Scheduler) Trigger(ctx context.Context, key string) (any, error) {
	for _, j := range s.jobs {
		if j.key == key {
			return s.runJob(ctx, j)
		}
	}
	return nil, errors.NotFoundf("scheduler.trigger", key, "job %s not found", key)
}

// Status returns the process-local runner status for every job, sorted by
// key.
func (s *Scheduler) Status() []RunnerStatus {
	out := make([]RunnerStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.snapshot())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Key < out[k].Key })
	return out
}

// JobRows returns the persisted job_status rows.
func (s *Scheduler) JobRows(ctx context.Context) ([]*models.JobStatusRow, error) {
	return s.status.List(ctx)
}

func (s *Scheduler) runJob(ctx context.Context, j *job) (any, error) {
	if !j.running.TryLock() {
		GetMetrics().RecordSkip(j.key)
		log.Debug().Str("job", j.key).Msg("Previous run still in progress; skipping")
		return nil, errors.TransitionNotAllowedf("scheduler.run", j.key, "job %s is already running", j.key)
	}
	defer j.running.Unlock()

	runID := ulid.Make().String()
	log.Debug().Str("job", j.key).Str("run_id", runID).Msg("Job started")

	started := time.Now()
	payload, err := j.invoke(ctx)
	finished := time.Now().UTC()
	duration := time.Since(started)

	j.record(finished, payload, err)
	GetMetrics().RecordRun(j.key, err == nil, duration)
	if s.OnComplete != nil {
		s.OnComplete(j.key, payload, err)
	}

	if err != nil {
		if serr := s.status.Upsert(ctx, j.key, false, finished, nil, err.Error()); serr != nil {
			log.Error().Err(serr).Str("job", j.key).Msg("Failed to persist job status")
		}
		log.Error().Err(err).
			Str("job", j.key).
			Str("run_id", runID).
			Dur("duration_ms", duration).
			Msg("Job failed")
		return nil, err
	}

	if serr := s.status.Upsert(ctx, j.key, true, finished, payload, ""); serr != nil {
		log.Error().Err(serr).Str("job", j.key).Msg("Failed to persist job status")
	}
	log.Debug().
		Str("job", j.key).
		Str("run_id", runID).
		Dur("duration_ms", duration).
		Msg("Job finished")
	return payload, nil
}
