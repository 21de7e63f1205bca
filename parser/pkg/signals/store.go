// Package signals records task outcomes in ClickHouse so that other
// workflows can wait on them. The partition-loading workflow writes a
// success marker for its "done" task; parse workflows sense that marker.
package signals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/polygonetl/chainparse/parser/pkg/clickhouse"
)

type State string

const (
	StateRunning        State = "running"
	StateSuccess        State = "success"
	StateFailed         State = "failed"
	StateUpstreamFailed State = "upstream_failed"
	StateUpRetry        State = "up_for_retry"
)

type Marker struct {
	DAGID         string
	TaskID        string
	ExecutionDate time.Time
	RunID         uuid.UUID
	State         State
	TryNumber     int
	Error         string
}

type StoreConfig struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client
	Clock      clockwork.Clock
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Store struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, cfg: cfg}, nil
}

// Record appends a marker. The latest marker per (dag, task, execution date)
// wins.
func (s *Store) Record(ctx context.Context, m Marker) error {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	ctx = clickhouse.ContextWithSyncInsert(ctx)
	batch, err := conn.PrepareBatch(ctx, `INSERT INTO dag_task_markers
		(dag_id, task_id, execution_date, run_id, state, try_number, error, recorded_at)`)
	if err != nil {
		return fmt.Errorf("failed to prepare marker batch: %w", err)
	}
	defer batch.Close()

	if err := batch.Append(
		m.DAGID,
		m.TaskID,
		m.ExecutionDate.UTC(),
		m.RunID,
		string(m.State),
		uint16(m.TryNumber),
		m.Error,
		s.cfg.Clock.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to append marker: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to write marker: %w", err)
	}

	s.log.Debug("signals: marker recorded", "dag_id", m.DAGID, "task_id", m.TaskID,
		"execution_date", m.ExecutionDate, "state", m.State)
	return nil
}

// LastState returns the most recent state recorded for the task instance.
// ok is false when nothing was recorded. Markers written in the same
// millisecond are ordered by try number, then running before up_for_retry
// before a final state.
func (s *Store) LastState(ctx context.Context, dagID, taskID string, executionDate time.Time) (state State, ok bool, err error) {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return "", false, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	var (
		last  string
		count uint64
	)
	row := conn.QueryRow(ctx, `
		SELECT
			argMax(state, (recorded_at, try_number, multiIf(state = ?, 0, state = ?, 1, 2))),
			count()
		FROM dag_task_markers
		WHERE dag_id = ? AND task_id = ? AND execution_date = ?
	`, string(StateRunning), string(StateUpRetry), dagID, taskID, executionDate.UTC())
	if err := row.Scan(&last, &count); err != nil {
		return "", false, fmt.Errorf("failed to read marker for %s.%s: %w", dagID, taskID, err)
	}
	if count == 0 {
		return "", false, nil
	}
	return State(last), true, nil
}

// Done reports whether the task instance finished successfully.
func (s *Store) Done(ctx context.Context, dagID, taskID string, executionDate time.Time) (bool, error) {
	state, ok, err := s.LastState(ctx, dagID, taskID, executionDate)
	if err != nil {
		return false, err
	}
	return ok && state == StateSuccess, nil
}
