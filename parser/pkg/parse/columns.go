package parse

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/polygonetl/chainparse/parser/pkg/definition"
)

var (
	ErrUnsupportedParser = errors.New("unsupported parser type")

	columnNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Column is one decoded output column.
type Column struct {
	Name string
	Expr string
}

// standardColumns are copied from the source row into every parsed table.
var standardColumns = map[string][]string{
	definition.ParserTypeLog:   {"block_timestamp", "block_number", "transaction_hash", "log_index", "contract_address"},
	definition.ParserTypeTrace: {"block_timestamp", "block_number", "transaction_hash", "trace_address", "contract_address", "status"},
}

// sourceColumns are read by the decoding expressions and cannot be reused as
// output aliases.
var sourceColumns = []string{"address", "data", "topics", "input", "to_address"}

// columnName picks the output name of input i: the field mapping wins, then
// the ABI name, then param_<i>.
func columnName(def *definition.TableDefinition, i int, in definition.ABIArgument) string {
	if mapped, ok := def.Parser.FieldMapping[in.Name]; ok && mapped != "" && in.Name != "" {
		return mapped
	}
	if in.Name != "" {
		return in.Name
	}
	return fmt.Sprintf("param_%d", i)
}

// Columns plans the decoded columns of def in ABI input order.
func Columns(def *definition.TableDefinition) ([]Column, error) {
	std, ok := standardColumns[def.Parser.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedParser, def.Parser.Type)
	}
	seen := make(map[string]bool, len(std)+len(def.Parser.ABI.Inputs))
	for _, name := range std {
		seen[name] = true
	}
	for _, name := range sourceColumns {
		seen[name] = true
	}

	var (
		cols    []Column
		topic   = 2
		wordIdx = 0
	)
	if def.Parser.ABI.Anonymous {
		topic = 1
	}
	for i, in := range def.Parser.ABI.Inputs {
		name := columnName(def, i, in)
		if !columnNameRegex.MatchString(name) {
			return nil, fmt.Errorf("invalid column name %q for input %d of %s", name, i, def.Table.TableName)
		}
		if seen[name] {
			return nil, fmt.Errorf("column %q in %s is already in use", name, def.Table.TableName)
		}
		seen[name] = true

		var word string
		switch {
		case def.Parser.Type == definition.ParserTypeLog && in.Indexed:
			word = fmt.Sprintf("substring(topics[%d], 3, 64)", topic)
			topic++
		case def.Parser.Type == definition.ParserTypeLog:
			word = fmt.Sprintf("substring(data, %d, 64)", 3+64*wordIdx)
			wordIdx += headWords(in)
		default:
			// call data starts with 0x and the 4-byte selector
			word = fmt.Sprintf("substring(input, %d, 64)", 11+64*wordIdx)
			wordIdx += headWords(in)
		}
		cols = append(cols, Column{Name: name, Expr: decodeWord(canonicalType(in), word)})
	}
	return cols, nil
}
