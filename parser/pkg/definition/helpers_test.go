package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeFile writes content to dir/name, creating dir.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func tableJSON(dataset, table, contractAddress string) string {
	addr := "null"
	if contractAddress != "" {
		addr = fmt.Sprintf("%q", contractAddress)
	}
	return fmt.Sprintf(`{
  "parser": {
    "type": "log",
    "contract_address": %s,
    "abi": {
      "anonymous": false,
      "name": "Transfer",
      "type": "event",
      "inputs": [
        {"indexed": true, "name": "from", "type": "address"},
        {"indexed": true, "name": "to", "type": "address"},
        {"indexed": false, "name": "value", "type": "uint256"}
      ]
    },
    "field_mapping": {}
  },
  "table": {
    "dataset_name": %q,
    "table_name": %q,
    "table_description": ""
  }
}`, addr, dataset, table)
}
