// Package scheduler triggers a run of every DAG at each tick of its cron
// schedule. The run's execution date is the tick before the one that fired,
// so the daily run starting at midnight parses the day that just ended.
// Missed ticks are not caught up.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/polygonetl/chainparse/parser/pkg/dag"
	"github.com/polygonetl/chainparse/parser/pkg/runner"
)

var ErrRunActive = errors.New("a run of the dag is already active")

// DAGRunner executes one DAG run.
type DAGRunner interface {
	Run(ctx context.Context, d *dag.DAG, executionDate time.Time) (*runner.Result, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Runner DAGRunner
	// DAGs returns the current set of DAGs; it is called on every check so
	// the set can change while the scheduler runs.
	DAGs func() []*dag.DAG
	// CheckInterval is how often schedules are evaluated.
	CheckInterval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Runner == nil {
		return errors.New("runner is required")
	}
	if cfg.DAGs == nil {
		return errors.New("dags are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	return nil
}

// Scheduler handles the periodic triggering of DAG runs.
type Scheduler struct {
	log *slog.Logger
	cfg Config

	mu      sync.Mutex
	last    map[string]time.Time
	running map[string]bool
	wg      sync.WaitGroup
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		log:     cfg.Logger,
		cfg:     cfg,
		last:    make(map[string]time.Time),
		running: make(map[string]bool),
	}, nil
}

// Start evaluates schedules every check interval until ctx is done, then
// waits for the runs in flight.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info("scheduler: started", "check_interval", s.cfg.CheckInterval)

	ticker := s.cfg.Clock.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	s.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info("scheduler: stopped")
			return
		case <-ticker.Chan():
			s.Check(ctx)
		}
	}
}

// Check triggers the DAGs whose schedule ticked since the last check. The
// first time a DAG is seen its latest tick is only remembered.
func (s *Scheduler) Check(ctx context.Context) {
	now := s.cfg.Clock.Now()
	for _, d := range s.cfg.DAGs() {
		tick, err := d.LatestExecution(now)
		if err != nil {
			s.log.Error("scheduler: invalid schedule", "dag_id", d.ID, "schedule", d.Schedule, "error", err)
			continue
		}

		executionDate, err := d.PreviousExecution(tick)
		if err != nil {
			s.log.Error("scheduler: failed to compute execution date", "dag_id", d.ID, "error", err)
			continue
		}

		s.mu.Lock()
		last, seen := s.last[d.ID]
		if !seen || !tick.After(last) || executionDate.Before(d.DefaultArgs.StartDate) {
			s.last[d.ID] = tick
			s.mu.Unlock()
			continue
		}
		if s.running[d.ID] {
			s.mu.Unlock()
			s.log.Warn("scheduler: previous run still active, deferring tick", "dag_id", d.ID, "tick", tick)
			continue
		}
		s.last[d.ID] = tick
		s.running[d.ID] = true
		s.mu.Unlock()

		s.launch(ctx, d, executionDate)
	}
}

// Trigger starts a run of d for executionDate outside the schedule. It fails
// with ErrRunActive while another run of d is in flight.
func (s *Scheduler) Trigger(ctx context.Context, d *dag.DAG, executionDate time.Time) error {
	s.mu.Lock()
	if s.running[d.ID] {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunActive, d.ID)
	}
	s.running[d.ID] = true
	s.mu.Unlock()

	s.launch(ctx, d, executionDate)
	return nil
}

// launch runs d in the background. The caller must have set running[d.ID];
// it is cleared when the run returns.
func (s *Scheduler) launch(ctx context.Context, d *dag.DAG, executionDate time.Time) {
	s.log.Info("scheduler: triggering run", "dag_id", d.ID, "execution_date", executionDate)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, d.ID)
			s.mu.Unlock()
		}()
		if _, err := s.cfg.Runner.Run(ctx, d, executionDate); err != nil {
			s.log.Error("scheduler: run failed", "dag_id", d.ID, "execution_date", executionDate, "error", err)
		}
	}()
}

// Wait blocks until every triggered run has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
