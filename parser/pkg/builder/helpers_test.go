package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/polygonetl/chainparse/parser/pkg/dag"
	"github.com/polygonetl/chainparse/parser/pkg/definition"
	"github.com/polygonetl/chainparse/parser/pkg/warehouse"
	chainparsetesting "github.com/polygonetl/chainparse/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// writeTable writes <table>.json into dir; contractAddress "" means null.
func writeTable(t *testing.T, dir, table, contractAddress string) {
	t.Helper()
	addr := "null"
	if contractAddress != "" {
		addr = fmt.Sprintf("%q", contractAddress)
	}
	writeFile(t, dir, table+".json", fmt.Sprintf(`{
  "parser": {
    "type": "log",
    "contract_address": %s,
    "abi": {"name": "Transfer", "type": "event", "inputs": [
      {"indexed": true, "name": "from", "type": "address"},
      {"indexed": true, "name": "to", "type": "address"},
      {"indexed": false, "name": "value", "type": "uint256"}
    ]}
  },
  "table": {"dataset_name": %q, "table_name": %q}
}`, addr, filepath.Base(dir), table))
}

func testConfig(t *testing.T, folder string) Config {
	return Config{
		Logger:        chainparsetesting.NewLogger(),
		DatasetFolder: folder,
	}
}

type parseCall struct {
	table         string
	ds            string
	allPartitions bool
}

type fakeParser struct {
	mu    sync.Mutex
	calls []parseCall
	err   error
}

func (f *fakeParser) Parse(ctx context.Context, def *definition.TableDefinition, ds string, allPartitions bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, parseCall{def.Table.TableName, ds, allPartitions})
	return f.err
}

type fakeWarehouse struct {
	mu       sync.Mutex
	datasets []string
	views    map[warehouse.TableRef]string
}

func (f *fakeWarehouse) EnsureDataset(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datasets = append(f.datasets, name)
	return nil
}

func (f *fakeWarehouse) CreateView(ctx context.Context, sql string, ref warehouse.TableRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.views == nil {
		f.views = make(map[warehouse.TableRef]string)
	}
	f.views[ref] = sql
	return nil
}

type doneKey struct {
	dag, task string
	at        time.Time
}

type fakeSignals struct {
	done map[doneKey]bool
}

func (f *fakeSignals) Done(ctx context.Context, dagID, taskID string, executionDate time.Time) (bool, error) {
	return f.done[doneKey{dagID, taskID, executionDate}], nil
}

func runContext(d *dag.DAG, taskID string, executionDate time.Time) dag.RunContext {
	return dag.RunContext{
		DAGID:         d.ID,
		TaskID:        taskID,
		ExecutionDate: executionDate,
		TryNumber:     1,
		Log:           chainparsetesting.NewLogger(),
	}
}
