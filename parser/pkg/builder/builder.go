// Package builder turns a folder of table definitions and view SQL files into
// a parse workflow:
//
//	wait_for_<chain>_partition_dag >> <table> ... >> parse_all_checkpoint >> create_view_<view> ...
//
// Parse tasks additionally depend on the tables their contract_address refers
// to through ref('<table>') tags.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/polygonetl/chainparse/parser/pkg/dag"
	"github.com/polygonetl/chainparse/parser/pkg/definition"
	"github.com/polygonetl/chainparse/parser/pkg/refs"
	"github.com/polygonetl/chainparse/parser/pkg/warehouse"
)

const (
	DefaultChain    = "polygon"
	DefaultSchedule = "0 0 * * *"

	CheckpointTaskID      = "parse_all_checkpoint"
	ValidationErrorTaskID = "validation_error"
	PartitionDoneTaskID   = "done"

	fullSuffix = "_FULL"
)

var (
	DefaultStartDate = time.Date(2020, 5, 30, 0, 0, 0, 0, time.UTC)

	ErrUnresolvedReference = errors.New("unresolved table reference")
)

// UnresolvedReferenceError is returned when a ref() tag names a table that is
// not defined in the same dataset folder.
type UnresolvedReferenceError struct {
	Task  string
	Table string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("Table %s is not found in the the dataset. Check your ref() in contract_address field.", e.Table)
}

func (e *UnresolvedReferenceError) Is(target error) bool {
	return target == ErrUnresolvedReference
}

// Parser parses one day (or the whole history) of a table definition.
type Parser interface {
	Parse(ctx context.Context, def *definition.TableDefinition, ds string, allPartitions bool) error
}

// Warehouse is the DDL surface the view tasks need.
type Warehouse interface {
	EnsureDataset(ctx context.Context, name string) error
	CreateView(ctx context.Context, sql string, ref warehouse.TableRef) error
}

// SignalStore answers whether an external task instance finished.
type SignalStore interface {
	Done(ctx context.Context, dagID, taskID string, executionDate time.Time) (bool, error)
}

type Config struct {
	Logger *slog.Logger

	Chain              string
	DAGID              string
	DatasetFolder      string
	NotificationEmails string
	StartDate          time.Time
	Schedule           string
	ParseAllPartitions bool

	// Handles used by the tasks at run time. A nil handle fails the tasks
	// that need it, the graph can still be built and inspected.
	Parser    Parser
	Warehouse Warehouse
	Signals   SignalStore
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DatasetFolder == "" {
		return errors.New("dataset folder is required")
	}
	if cfg.Chain == "" {
		cfg.Chain = DefaultChain
	}
	if cfg.DAGID == "" {
		cfg.DAGID = ParseDAGID(cfg.Chain, definition.FolderName(cfg.DatasetFolder))
	}
	if cfg.StartDate.IsZero() {
		cfg.StartDate = DefaultStartDate
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	return nil
}

// ParseDAGID is the id of the parse workflow of a dataset folder.
func ParseDAGID(chain, folder string) string {
	return fmt.Sprintf("%s_parse_%s_dag", chain, folder)
}

// PartitionDAGID is the workflow that loads the raw partitions parse
// workflows wait for.
func PartitionDAGID(chain string) string {
	return chain + "_partition_dag"
}

// SplitEmails splits a comma separated list, trimming blanks.
func SplitEmails(emails string) []string {
	if strings.TrimSpace(emails) == "" {
		return nil
	}
	var out []string
	for _, e := range strings.Split(emails, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

func newDAG(cfg Config) *dag.DAG {
	id := cfg.DAGID
	if cfg.ParseAllPartitions {
		id += fullSuffix
	}
	d := dag.New(id, cfg.Schedule, dag.DefaultArgs{
		DependsOnPast:  true,
		StartDate:      cfg.StartDate,
		EmailOnFailure: true,
		EmailOnRetry:   false,
		Emails:         SplitEmails(cfg.NotificationEmails),
		Retry:          dag.RetryPolicy{Retries: 5, Delay: 5 * time.Minute},
	})
	d.Catchup = false
	return d
}

// errorDAG is a workflow with a single task that fails with err, so a broken
// dataset shows up as a failing run instead of breaking every other dataset.
func errorDAG(cfg Config, err error) *dag.DAG {
	d := newDAG(cfg)
	// a fresh DAG cannot hold a duplicate
	_ = d.AddTask(&dag.Task{
		ID:               ValidationErrorTaskID,
		Kind:             dag.KindValidationError,
		Description:      err.Error(),
		ExecutionTimeout: 10 * time.Minute,
		Run: func(ctx context.Context, rc dag.RunContext) error {
			return err
		},
	})
	return d
}

// BuildParseDAG builds the parse workflow of one dataset folder. Invalid
// definitions produce a workflow whose only task fails with the validation
// error; unresolved references are returned as an error.
func BuildParseDAG(cfg Config) (*dag.DAG, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger.With("dag_id", cfg.DAGID)
	log.Debug("builder: building parse dag", "folder", cfg.DatasetFolder, "parse_all_partitions", cfg.ParseAllPartitions)

	if err := definition.ValidateFolder(cfg.DatasetFolder); err != nil {
		log.Warn("builder: invalid definitions", "error", err)
		return errorDAG(cfg, err), nil
	}

	d := newDAG(cfg)

	sensorID := "wait_for_" + PartitionDAGID(cfg.Chain)
	if err := d.AddTask(sensorTask(cfg, sensorID)); err != nil {
		return nil, err
	}

	defs, err := definition.LoadTableDefinitions(cfg.DatasetFolder)
	if err != nil {
		return nil, err
	}
	log.Debug("builder: table definitions", "count", len(defs))

	var parseIDs []string
	deps := make(map[string][]string, len(defs))
	for _, def := range defs {
		task := parseTask(cfg, def)
		if err := d.AddTask(task); err != nil {
			return nil, err
		}
		if err := d.SetDownstream(sensorID, task.ID); err != nil {
			return nil, err
		}
		parseIDs = append(parseIDs, task.ID)
		deps[task.ID] = refs.Extract(def.ContractAddressValue())
	}

	if err := d.AddTask(&dag.Task{
		ID:             CheckpointTaskID,
		Kind:           dag.KindCheckpoint,
		PriorityWeight: 1000,
		Run: func(ctx context.Context, rc dag.RunContext) error {
			rc.Logger().Info(CheckpointTaskID)
			return nil
		},
	}); err != nil {
		return nil, err
	}

	for _, id := range parseIDs {
		for _, dep := range deps[id] {
			if !slices.Contains(parseIDs, dep) {
				return nil, &UnresolvedReferenceError{Task: id, Table: dep}
			}
			if err := d.SetDownstream(dep, id); err != nil {
				return nil, err
			}
		}
		if err := d.SetDownstream(id, CheckpointTaskID); err != nil {
			return nil, err
		}
	}

	views, err := definition.LoadViewDefinitions(cfg.DatasetFolder)
	if err != nil {
		return nil, err
	}
	dataset := warehouse.DatasetName(cfg.Chain, definition.FolderName(cfg.DatasetFolder))
	for _, view := range views {
		task := viewTask(cfg, dataset, view)
		if err := d.AddTask(task); err != nil {
			return nil, err
		}
		if err := d.SetDownstream(CheckpointTaskID, task.ID); err != nil {
			return nil, err
		}
	}

	log.Info("builder: parse dag built", "id", d.ID, "tables", len(parseIDs), "views", len(views))
	return d, nil
}

func sensorTask(cfg Config, id string) *dag.Task {
	external := PartitionDAGID(cfg.Chain)
	delta := 30 * time.Minute
	return &dag.Task{
		ID:             id,
		Kind:           dag.KindSensor,
		Description:    external + "." + PartitionDoneTaskID,
		PriorityWeight: 0,
		Retry:          &dag.RetryPolicy{Retries: 20, Delay: 5 * time.Minute},
		Sensor: &dag.SensorSpec{
			ExternalDAGID:  external,
			ExternalTaskID: PartitionDoneTaskID,
			ExecutionDelta: delta,
			PokeInterval:   5 * time.Minute,
			Timeout:        30 * time.Hour,
			Mode:           dag.SensorModeReschedule,
			Poke: func(ctx context.Context, rc dag.RunContext) (bool, error) {
				if cfg.Signals == nil {
					return false, errors.New("no signal store configured")
				}
				return cfg.Signals.Done(ctx, external, PartitionDoneTaskID, rc.ExecutionDate.Add(-delta))
			},
		},
	}
}

func parseTask(cfg Config, def *definition.TableDefinition) *dag.Task {
	return &dag.Task{
		ID:               def.Table.TableName,
		Kind:             dag.KindParse,
		Description:      def.Table.TableDescription,
		ExecutionTimeout: 60 * time.Minute,
		Meta: map[string]string{
			"path":   def.Path,
			"parser": def.Parser.Type,
		},
		Run: func(ctx context.Context, rc dag.RunContext) error {
			if cfg.Parser == nil {
				return errors.New("no parser configured")
			}
			return cfg.Parser.Parse(ctx, def, rc.DS(), cfg.ParseAllPartitions)
		},
	}
}

func viewTask(cfg Config, dataset string, view definition.ViewDefinition) *dag.Task {
	ref := warehouse.TableRef{Dataset: dataset, Table: view.Name}
	return &dag.Task{
		ID:               "create_view_" + view.Name,
		Kind:             dag.KindView,
		ExecutionTimeout: 10 * time.Minute,
		Meta: map[string]string{
			"path": view.Path,
			"view": dataset + "." + view.Name,
		},
		Run: func(ctx context.Context, rc dag.RunContext) error {
			if cfg.Warehouse == nil {
				return errors.New("no warehouse configured")
			}
			if err := cfg.Warehouse.EnsureDataset(ctx, dataset); err != nil {
				return err
			}
			rc.Logger().Info("builder: creating view", "view", ref.String(), "sql", view.SQL)
			return cfg.Warehouse.CreateView(ctx, view.SQL, ref)
		},
	}
}

// BuildAll builds one parse workflow per dataset folder under root. A folder
// that fails to build is replaced by a single failing task so the other
// datasets are unaffected.
func BuildAll(cfg Config, root string) ([]*dag.DAG, error) {
	folders, err := definition.DatasetFolders(root)
	if err != nil {
		return nil, err
	}

	dags := make([]*dag.DAG, 0, len(folders))
	for _, folder := range folders {
		c := cfg
		c.DatasetFolder = folder
		c.DAGID = ""
		if err := c.Validate(); err != nil {
			return nil, err
		}

		d, err := BuildParseDAG(c)
		if err != nil {
			c.Logger.Error("builder: failed to build parse dag", "folder", folder, "error", err)
			d = errorDAG(c, err)
		}
		dags = append(dags, d)
	}
	return dags, nil
}
