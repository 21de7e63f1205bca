// Package dag is the static workflow graph handed to the runner: tasks keyed
// by id plus an adjacency list in each direction.
package dag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

var (
	ErrDuplicateTask = errors.New("duplicate task id")
	ErrUnknownTask   = errors.New("unknown task id")
	ErrCycle         = errors.New("cycle detected in the DAG")
)

type TaskKind string

const (
	KindSensor          TaskKind = "sensor"
	KindParse           TaskKind = "parse"
	KindCheckpoint      TaskKind = "checkpoint"
	KindView            TaskKind = "view"
	KindValidationError TaskKind = "validation_error"
)

// RunContext is what a task sees about the run it belongs to.
type RunContext struct {
	DAGID         string
	TaskID        string
	ExecutionDate time.Time
	TryNumber     int
	Log           *slog.Logger
}

// Logger returns rc.Log, or the default logger when none is set.
func (rc RunContext) Logger() *slog.Logger {
	if rc.Log == nil {
		return slog.Default()
	}
	return rc.Log
}

// DS is the execution date as YYYY-MM-DD.
func (rc RunContext) DS() string {
	return rc.ExecutionDate.UTC().Format(time.DateOnly)
}

type RunFunc func(ctx context.Context, rc RunContext) error

// PokeFunc reports whether the condition a sensor waits on holds.
type PokeFunc func(ctx context.Context, rc RunContext) (bool, error)

type SensorMode string

const (
	// SensorModePoke keeps a worker slot for the whole wait.
	SensorModePoke SensorMode = "poke"
	// SensorModeReschedule releases the slot between pokes.
	SensorModeReschedule SensorMode = "reschedule"
)

type SensorSpec struct {
	ExternalDAGID  string
	ExternalTaskID string
	ExecutionDelta time.Duration
	PokeInterval   time.Duration
	Timeout        time.Duration
	Mode           SensorMode
	Poke           PokeFunc
}

type RetryPolicy struct {
	Retries int
	Delay   time.Duration
}

type Task struct {
	ID          string
	Kind        TaskKind
	Description string

	Run    RunFunc
	Sensor *SensorSpec

	ExecutionTimeout time.Duration
	PriorityWeight   int
	// Retry is filled from the DAG defaults by AddTask when nil.
	Retry *RetryPolicy
	Meta  map[string]string
}

type DefaultArgs struct {
	DependsOnPast  bool
	StartDate      time.Time
	EmailOnFailure bool
	EmailOnRetry   bool
	Emails         []string
	Retry          RetryPolicy
}

// DAG represents the directed acyclic graph structure.
type DAG struct {
	ID          string
	Schedule    string
	Catchup     bool
	DefaultArgs DefaultArgs

	Tasks      map[string]*Task
	Upstream   map[string][]string
	Downstream map[string][]string

	order []string
}

// New initializes an empty DAG.
func New(id, schedule string, args DefaultArgs) *DAG {
	return &DAG{
		ID:          id,
		Schedule:    schedule,
		DefaultArgs: args,
		Tasks:       make(map[string]*Task),
		Upstream:    make(map[string][]string),
		Downstream:  make(map[string][]string),
	}
}

// AddTask registers t. Ids are unique within a DAG.
func (d *DAG) AddTask(t *Task) error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if _, exists := d.Tasks[t.ID]; exists {
		return fmt.Errorf("%w: %s in %s", ErrDuplicateTask, t.ID, d.ID)
	}
	if t.Retry == nil {
		retry := d.DefaultArgs.Retry
		t.Retry = &retry
	}
	d.Tasks[t.ID] = t
	d.order = append(d.order, t.ID)
	return nil
}

// SetDownstream adds the edges from -> to for each to. Repeated edges are
// ignored.
func (d *DAG) SetDownstream(from string, to ...string) error {
	if _, ok := d.Tasks[from]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, from)
	}
	for _, t := range to {
		if _, ok := d.Tasks[t]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTask, t)
		}
		if slices.Contains(d.Downstream[from], t) {
			continue
		}
		d.Downstream[from] = append(d.Downstream[from], t)
		d.Upstream[t] = append(d.Upstream[t], from)
	}
	return nil
}

func (d *DAG) Task(id string) (*Task, bool) {
	t, ok := d.Tasks[id]
	return t, ok
}

// TaskIDs returns task ids in the order they were added.
func (d *DAG) TaskIDs() []string {
	return slices.Clone(d.order)
}

func (d *DAG) UpstreamOf(id string) []string {
	return slices.Clone(d.Upstream[id])
}

func (d *DAG) DownstreamOf(id string) []string {
	return slices.Clone(d.Downstream[id])
}

// Roots returns the tasks without upstream dependencies.
func (d *DAG) Roots() []string {
	var roots []string
	for _, id := range d.order {
		if len(d.Upstream[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Validate checks that every edge resolves to a task of this DAG and that
// every task has something to run.
func (d *DAG) Validate() error {
	for _, id := range d.order {
		for _, dep := range d.Upstream[id] {
			if _, ok := d.Tasks[dep]; !ok {
				return fmt.Errorf("%w: dependency %q of task %q", ErrUnknownTask, dep, id)
			}
		}
		for _, child := range d.Downstream[id] {
			if _, ok := d.Tasks[child]; !ok {
				return fmt.Errorf("%w: dependent %q of task %q", ErrUnknownTask, child, id)
			}
		}
		t := d.Tasks[id]
		if t.Sensor != nil {
			if t.Sensor.Poke == nil {
				return fmt.Errorf("sensor task %q has no poke function", id)
			}
			continue
		}
		if t.Run == nil {
			return fmt.Errorf("task %q has no run function", id)
		}
	}
	return nil
}

// TopologicalOrder returns the task ids so that every task follows all of its
// upstream tasks. Among ready tasks, higher priority weight goes first, then
// insertion order.
func (d *DAG) TopologicalOrder() ([]string, error) {
	index := make(map[string]int, len(d.order))
	for i, id := range d.order {
		index[id] = i
	}
	indegree := make(map[string]int, len(d.order))
	for _, id := range d.order {
		indegree[id] = len(d.Upstream[id])
	}

	var ready []string
	for _, id := range d.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	less := func(a, b string) int {
		pa, pb := d.Tasks[a].PriorityWeight, d.Tasks[b].PriorityWeight
		if pa != pb {
			return pb - pa
		}
		return index[a] - index[b]
	}

	order := make([]string, 0, len(d.order))
	for len(ready) > 0 {
		slices.SortFunc(ready, less)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, child := range d.Downstream[id] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(order) != len(d.order) {
		var stuck []string
		for _, id := range d.order {
			if indegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrCycle, stuck)
	}
	return order, nil
}
