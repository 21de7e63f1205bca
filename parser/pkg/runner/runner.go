// Package runner executes a DAG for one execution date on the local machine:
// tasks start once all their upstream tasks succeeded, a bounded number run
// at a time, and failed attempts are retried after the task's retry delay.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/polygonetl/chainparse/parser/pkg/dag"
	"github.com/polygonetl/chainparse/parser/pkg/metrics"
	"github.com/polygonetl/chainparse/parser/pkg/notify"
	"github.com/polygonetl/chainparse/parser/pkg/signals"
)

var (
	ErrTaskTimeout              = errors.New("task timed out")
	ErrSensorTimeout            = errors.New("sensor timed out")
	ErrUpstreamFailed           = errors.New("upstream task failed")
	ErrPreviousRunNotSuccessful = errors.New("previous run of the task did not succeed")
)

// MarkerStore persists task states. The runner reads it back for
// depends_on_past.
type MarkerStore interface {
	Record(ctx context.Context, m signals.Marker) error
	LastState(ctx context.Context, dagID, taskID string, executionDate time.Time) (signals.State, bool, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Concurrency bounds the tasks holding a worker slot at once.
	// Reschedule-mode sensors wait without one.
	Concurrency int
	// StartRate limits how fast tasks are started.
	StartRate  rate.Limit
	StartBurst int

	// Markers and Notifier are optional.
	Markers  MarkerStore
	Notifier notify.Notifier
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.StartRate == 0 {
		cfg.StartRate = rate.Inf
	}
	if cfg.StartBurst <= 0 {
		cfg.StartBurst = 1
	}
	return nil
}

type Runner struct {
	log     *slog.Logger
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.StartRate, cfg.StartBurst),
	}, nil
}

type TaskResult struct {
	TaskID   string
	State    signals.State
	Attempts int
	Err      error
	Duration time.Duration
}

type Result struct {
	DAGID         string
	RunID         uuid.UUID
	ExecutionDate time.Time
	Tasks         map[string]*TaskResult
	Duration      time.Duration
}

// Failed returns the sorted ids of the tasks that did not succeed.
func (r *Result) Failed() []string {
	var ids []string
	for id, t := range r.Tasks {
		if t.State != signals.StateSuccess {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

type run struct {
	*Runner
	d     *dag.DAG
	id    uuid.UUID
	date  time.Time
	log   *slog.Logger
	order map[string]int
}

// Run executes every task of d for executionDate. The returned error joins
// the errors of all failed tasks; the result is returned either way once the
// DAG has been validated.
func (r *Runner) Run(ctx context.Context, d *dag.DAG, executionDate time.Time) (*Result, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	order, err := d.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	rn := &run{
		Runner: r,
		d:      d,
		id:     uuid.New(),
		date:   executionDate.UTC(),
		order:  make(map[string]int, len(order)),
	}
	for i, id := range order {
		rn.order[id] = i
	}
	rn.log = r.log.With("dag_id", d.ID, "run_id", rn.id.String(), "ds", rn.date.Format(time.DateOnly))

	start := r.cfg.Clock.Now()
	rn.log.Info("runner: dag run started", "tasks", len(order))

	result := &Result{
		DAGID:         d.ID,
		RunID:         rn.id,
		ExecutionDate: rn.date,
		Tasks:         make(map[string]*TaskResult, len(order)),
	}

	var (
		workers errgroup.Group
		sensors errgroup.Group
		results = make(chan *TaskResult, len(order))
	)
	workers.SetLimit(r.cfg.Concurrency)

	pending := make(map[string]int, len(order))
	blocked := make(map[string]bool)
	for _, id := range order {
		pending[id] = len(d.Upstream[id])
	}

	dispatch := func(ids []string) {
		slices.SortFunc(ids, func(a, b string) int { return rn.order[a] - rn.order[b] })
		for _, id := range ids {
			task := d.Tasks[id]
			fn := func() error {
				results <- rn.execute(ctx, task)
				return nil
			}
			if task.Sensor != nil && task.Sensor.Mode == dag.SensorModeReschedule {
				sensors.Go(fn)
			} else {
				workers.Go(fn)
			}
		}
	}

	// finish records res and returns the tasks that became ready. Tasks
	// below a failure are finished as upstream_failed without running.
	var finish func(res *TaskResult) []string
	finish = func(res *TaskResult) []string {
		result.Tasks[res.TaskID] = res
		var ready []string
		for _, child := range d.Downstream[res.TaskID] {
			if res.State != signals.StateSuccess {
				blocked[child] = true
			}
			pending[child]--
			if pending[child] > 0 {
				continue
			}
			if !blocked[child] {
				ready = append(ready, child)
				continue
			}
			skipped := &TaskResult{
				TaskID: child,
				State:  signals.StateUpstreamFailed,
				Err:    fmt.Errorf("%w: %s", ErrUpstreamFailed, child),
			}
			rn.record(ctx, child, signals.StateUpstreamFailed, 0, nil)
			metrics.TaskAttemptsTotal.WithLabelValues(d.ID, string(d.Tasks[child].Kind), string(signals.StateUpstreamFailed)).Inc()
			ready = append(ready, finish(skipped)...)
		}
		return ready
	}

	var roots []string
	for _, id := range order {
		if pending[id] == 0 {
			roots = append(roots, id)
		}
	}
	dispatch(roots)

	for len(result.Tasks) < len(order) {
		res := <-results
		dispatch(finish(res))
	}
	_ = workers.Wait()
	_ = sensors.Wait()

	result.Duration = r.cfg.Clock.Since(start)
	metrics.DAGRunDuration.WithLabelValues(d.ID).Observe(result.Duration.Seconds())

	var errs []error
	for _, id := range order {
		t := result.Tasks[id]
		if t.State == signals.StateFailed {
			errs = append(errs, fmt.Errorf("task %s: %w", id, t.Err))
		}
	}
	if len(errs) > 0 {
		metrics.DAGRunsTotal.WithLabelValues(d.ID, "failed").Inc()
		rn.log.Error("runner: dag run failed", "failed", result.Failed(), "duration", result.Duration)
		return result, errors.Join(errs...)
	}
	metrics.DAGRunsTotal.WithLabelValues(d.ID, "success").Inc()
	rn.log.Info("runner: dag run succeeded", "duration", result.Duration)
	return result, nil
}

// execute runs one task to completion, retries included.
func (rn *run) execute(ctx context.Context, task *dag.Task) *TaskResult {
	log := rn.log.With("task_id", task.ID)
	start := rn.cfg.Clock.Now()
	res := &TaskResult{TaskID: task.ID}

	finish := func(state signals.State, err error) *TaskResult {
		res.State = state
		res.Err = err
		res.Duration = rn.cfg.Clock.Since(start)
		rn.record(ctx, task.ID, state, res.Attempts, err)
		if state == signals.StateFailed {
			log.Error("runner: task failed", "attempts", res.Attempts, "error", err)
			rn.notify(ctx, task, res)
		} else {
			log.Info("runner: task succeeded", "attempts", res.Attempts, "duration", res.Duration)
		}
		return res
	}

	if err := rn.checkPreviousRun(ctx, task); err != nil {
		return finish(signals.StateFailed, err)
	}

	retry := dag.RetryPolicy{}
	if task.Retry != nil {
		retry = *task.Retry
	}

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		if err := rn.limiter.Wait(ctx); err != nil {
			return finish(signals.StateFailed, err)
		}
		rn.record(ctx, task.ID, signals.StateRunning, attempt, nil)

		rc := dag.RunContext{
			DAGID:         rn.d.ID,
			TaskID:        task.ID,
			ExecutionDate: rn.date,
			TryNumber:     attempt,
			Log:           log.With("try_number", attempt),
		}

		attemptStart := rn.cfg.Clock.Now()
		var err error
		if task.Sensor != nil {
			err = rn.sense(ctx, task, rc)
		} else {
			err = rn.attempt(ctx, task, rc)
		}
		metrics.TaskDuration.WithLabelValues(rn.d.ID, string(task.Kind)).Observe(rn.cfg.Clock.Since(attemptStart).Seconds())

		if err == nil {
			metrics.TaskAttemptsTotal.WithLabelValues(rn.d.ID, string(task.Kind), string(signals.StateSuccess)).Inc()
			return finish(signals.StateSuccess, nil)
		}
		metrics.TaskAttemptsTotal.WithLabelValues(rn.d.ID, string(task.Kind), string(signals.StateFailed)).Inc()

		if attempt > retry.Retries || errors.Is(err, ErrSensorTimeout) || ctx.Err() != nil {
			return finish(signals.StateFailed, err)
		}

		log.Warn("runner: task attempt failed, retrying", "try_number", attempt, "retry_delay", retry.Delay, "error", err)
		rn.record(ctx, task.ID, signals.StateUpRetry, attempt, err)
		select {
		case <-ctx.Done():
			return finish(signals.StateFailed, ctx.Err())
		case <-rn.cfg.Clock.After(retry.Delay):
		}
	}
}

// attempt runs task once, cancelling it after its execution timeout.
func (rn *run) attempt(ctx context.Context, task *dag.Task, rc dag.RunContext) error {
	if task.ExecutionTimeout <= 0 {
		return task.Run(ctx, rc)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timeout := fmt.Errorf("%w after %s", ErrTaskTimeout, task.ExecutionTimeout)
	timer := rn.cfg.Clock.AfterFunc(task.ExecutionTimeout, func() { cancel(timeout) })
	defer timer.Stop()

	done := make(chan error, 1)
	go func() { done <- task.Run(ctx, rc) }()

	select {
	case err := <-done:
		if cause := context.Cause(ctx); errors.Is(cause, ErrTaskTimeout) {
			return cause
		}
		return err
	case <-ctx.Done():
		// The task is abandoned if it ignores cancellation.
		return context.Cause(ctx)
	}
}

// sense pokes until the condition holds or the sensor times out.
func (rn *run) sense(ctx context.Context, task *dag.Task, rc dag.RunContext) error {
	spec := task.Sensor
	start := rn.cfg.Clock.Now()
	for {
		ok, err := spec.Poke(ctx, rc)
		if err != nil {
			metrics.SensorPokesTotal.WithLabelValues(rn.d.ID, "error").Inc()
			return err
		}
		if ok {
			metrics.SensorPokesTotal.WithLabelValues(rn.d.ID, "done").Inc()
			return nil
		}
		metrics.SensorPokesTotal.WithLabelValues(rn.d.ID, "waiting").Inc()

		if spec.Timeout > 0 && rn.cfg.Clock.Since(start)+spec.PokeInterval > spec.Timeout {
			return fmt.Errorf("%w: %s.%s not done after %s", ErrSensorTimeout, spec.ExternalDAGID, spec.ExternalTaskID, spec.Timeout)
		}
		rc.Logger().Debug("runner: sensor waiting", "external_dag_id", spec.ExternalDAGID, "external_task_id", spec.ExternalTaskID,
			"poke_interval", spec.PokeInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rn.cfg.Clock.After(spec.PokeInterval):
		}
	}
}

// checkPreviousRun enforces depends_on_past: the task's previous run must
// have succeeded, unless there is none.
func (rn *run) checkPreviousRun(ctx context.Context, task *dag.Task) error {
	if !rn.d.DefaultArgs.DependsOnPast || rn.cfg.Markers == nil {
		return nil
	}
	prev, err := rn.d.PreviousExecution(rn.date)
	if err != nil {
		return err
	}
	if prev.Before(rn.d.DefaultArgs.StartDate) {
		return nil
	}
	state, ok, err := rn.cfg.Markers.LastState(ctx, rn.d.ID, task.ID, prev)
	if err != nil {
		return fmt.Errorf("failed to check previous run of %s: %w", task.ID, err)
	}
	if ok && state != signals.StateSuccess {
		return fmt.Errorf("%w: %s was %s on %s", ErrPreviousRunNotSuccessful, task.ID, state, prev.Format(time.DateOnly))
	}
	return nil
}

func (rn *run) record(ctx context.Context, taskID string, state signals.State, attempt int, err error) {
	if rn.cfg.Markers == nil {
		return
	}
	m := signals.Marker{
		DAGID:         rn.d.ID,
		TaskID:        taskID,
		ExecutionDate: rn.date,
		RunID:         rn.id,
		State:         state,
		TryNumber:     attempt,
	}
	if err != nil {
		m.Error = err.Error()
	}
	// markers are written after cancellation too
	if rerr := rn.cfg.Markers.Record(context.WithoutCancel(ctx), m); rerr != nil {
		rn.log.Warn("runner: failed to record task state", "task_id", taskID, "state", state, "error", rerr)
	}
}

func (rn *run) notify(ctx context.Context, task *dag.Task, res *TaskResult) {
	if rn.cfg.Notifier == nil || !rn.d.DefaultArgs.EmailOnFailure {
		return
	}
	err := rn.cfg.Notifier.Notify(context.WithoutCancel(ctx), notify.Failure{
		DAGID:         rn.d.ID,
		TaskID:        task.ID,
		ExecutionDate: rn.date,
		RunID:         rn.id.String(),
		Attempt:       res.Attempts,
		Err:           res.Err,
		Emails:        rn.d.DefaultArgs.Emails,
	})
	if err != nil {
		rn.log.Warn("runner: failed to send failure notification", "task_id", task.ID, "error", err)
	}
}
