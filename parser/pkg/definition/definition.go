// Package definition loads the per-table JSON parser definitions and the SQL
// view files of a dataset folder.
package definition

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	ParserTypeLog   = "log"
	ParserTypeTrace = "trace"
)

// TableDefinition is one <table_name>.json file.
type TableDefinition struct {
	Parser ParserSpec `json:"parser"`
	Table  TableSpec  `json:"table"`

	// Path is the file the definition was read from.
	Path string `json:"-"`
}

type ParserSpec struct {
	Type string `json:"type"`
	// ContractAddress is a literal address, a comma separated list of
	// addresses, or a query that may embed ref('<table>') tags. Nil means
	// any contract emitting the event.
	ContractAddress *string           `json:"contract_address"`
	ABI             ABIEntry          `json:"abi"`
	FieldMapping    map[string]string `json:"field_mapping,omitempty"`
}

type TableSpec struct {
	DatasetName      string   `json:"dataset_name"`
	TableName        string   `json:"table_name"`
	TableDescription string   `json:"table_description,omitempty"`
	Schema           []Column `json:"schema,omitempty"`

	// keys counts the members of the decoded JSON object, known or not.
	keys int
}

func (t *TableSpec) UnmarshalJSON(data []byte) error {
	type plain TableSpec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}
	*t = TableSpec(p)
	t.keys = len(members)
	return nil
}

// isEmpty reports a missing, null or {} table section.
func (t TableSpec) isEmpty() bool {
	return t.keys == 0 && t.DatasetName == "" && t.TableName == "" && t.TableDescription == "" && len(t.Schema) == 0
}

type Column struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

type ABIEntry struct {
	Name      string        `json:"name"`
	Type      string        `json:"type"`
	Anonymous bool          `json:"anonymous,omitempty"`
	Inputs    []ABIArgument `json:"inputs"`
}

type ABIArgument struct {
	Name       string        `json:"name"`
	Type       string        `json:"type"`
	Indexed    bool          `json:"indexed,omitempty"`
	Components []ABIArgument `json:"components,omitempty"`
}

// ContractAddressValue returns the contract_address field or "" when null.
func (d *TableDefinition) ContractAddressValue() string {
	if d.Parser.ContractAddress == nil {
		return ""
	}
	return *d.Parser.ContractAddress
}

// ViewDefinition is one <view_name>.sql file.
type ViewDefinition struct {
	Name string
	SQL  string
	Path string
}

// ListFiles returns the files in folder matching pattern, sorted by name.
func ListFiles(folder, pattern string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(folder, pattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s in %s: %w", pattern, folder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ReadTableDefinition(path string) (*TableDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read table definition: %w", err)
	}
	var def TableDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to decode table definition %s: %w", path, err)
	}
	def.Path = path
	return &def, nil
}

// LoadTableDefinitions reads every *.json definition in folder.
func LoadTableDefinitions(folder string) ([]*TableDefinition, error) {
	files, err := ListFiles(folder, "*.json")
	if err != nil {
		return nil, err
	}
	defs := make([]*TableDefinition, 0, len(files))
	for _, f := range files {
		def, err := ReadTableDefinition(f)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadViewDefinitions reads every *.sql file in folder. The view name is the
// file's base name without the extension.
func LoadViewDefinitions(folder string) ([]ViewDefinition, error) {
	files, err := ListFiles(folder, "*.sql")
	if err != nil {
		return nil, err
	}
	views := make([]ViewDefinition, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read view definition: %w", err)
		}
		views = append(views, ViewDefinition{
			Name: strings.TrimSuffix(filepath.Base(f), filepath.Ext(f)),
			SQL:  string(data),
			Path: f,
		})
	}
	return views, nil
}

// FolderName is the dataset name a folder stands for.
func FolderName(folder string) string {
	return filepath.Base(filepath.Clean(folder))
}

// DatasetFolders returns the dataset folders directly below root, skipping
// hidden directories.
func DatasetFolders(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions root %s: %w", root, err)
	}
	var folders []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		folders = append(folders, filepath.Join(root, e.Name()))
	}
	return folders, nil
}
