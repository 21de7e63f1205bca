// Package parse turns raw chain logs and traces into one table per event or
// function definition.
package parse

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/polygonetl/chainparse/parser/pkg/clickhouse"
	"github.com/polygonetl/chainparse/parser/pkg/definition"
	"github.com/polygonetl/chainparse/parser/pkg/refs"
	"github.com/polygonetl/chainparse/parser/pkg/warehouse"
)

const (
	DefaultChain          = "polygon"
	DefaultSourceDatabase = "crypto_polygon"
)

var (
	//go:embed sqls/*.tmpl
	sqlsFS embed.FS

	templates = template.Must(template.New("sqls").Funcs(template.FuncMap{
		"ident": clickhouse.QuoteIdentifier,
		"quote": quoteString,
		"join":  strings.Join,
	}).ParseFS(sqlsFS, "sqls/*.tmpl"))

	addressRegex = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
)

type Config struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client

	// Chain prefixes destination datasets: <chain>_<dataset_name>.
	Chain string
	// SourceDatabase holds the raw logs and traces tables.
	SourceDatabase string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	if cfg.Chain == "" {
		cfg.Chain = DefaultChain
	}
	if cfg.SourceDatabase == "" {
		cfg.SourceDatabase = DefaultSourceDatabase
	}
	return nil
}

type ClickHouseParser struct {
	log *slog.Logger
	cfg Config
}

func NewClickHouseParser(cfg Config) (*ClickHouseParser, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ClickHouseParser{log: cfg.Logger, cfg: cfg}, nil
}

type statementData struct {
	Dest          string
	Source        string
	IsLog         bool
	Columns       []Column
	Conditions    []string
	DS            string
	AllPartitions bool
	Description   string
}

// Destination is where def's rows are written.
func (p *ClickHouseParser) Destination(def *definition.TableDefinition) warehouse.TableRef {
	return warehouse.TableRef{
		Dataset: warehouse.DatasetName(p.cfg.Chain, def.Table.DatasetName),
		Table:   def.Table.TableName,
	}
}

// Statements renders the SQL that parses one day (or every day when
// allPartitions is set) of def: create table, clean, insert.
func (p *ClickHouseParser) Statements(def *definition.TableDefinition, ds string, allPartitions bool) ([]string, error) {
	if _, err := time.Parse(time.DateOnly, ds); err != nil {
		return nil, fmt.Errorf("invalid ds %q: %w", ds, err)
	}
	cols, err := Columns(def)
	if err != nil {
		return nil, err
	}

	dest := p.Destination(def)
	data := statementData{
		Dest:          dest.String(),
		IsLog:         def.Parser.Type == definition.ParserTypeLog,
		Columns:       cols,
		DS:            ds,
		AllPartitions: allPartitions,
		Description:   def.Table.TableDescription,
	}

	addressColumn := "lower(to_address)"
	parseTemplate := "parse_traces.sql.tmpl"
	if data.IsLog {
		addressColumn = "lower(address)"
		parseTemplate = "parse_logs.sql.tmpl"
		data.Source = warehouse.TableRef{Dataset: p.cfg.SourceDatabase, Table: "logs"}.String()
		if !def.Parser.ABI.Anonymous {
			data.Conditions = append(data.Conditions, "topics[1] = "+quoteString(EventTopic(def.Parser.ABI)))
		}
	} else {
		data.Source = warehouse.TableRef{Dataset: p.cfg.SourceDatabase, Table: "traces"}.String()
		data.Conditions = append(data.Conditions, "startsWith(input, "+quoteString(FunctionSelector(def.Parser.ABI))+")")
	}

	filter, err := p.contractFilter(def)
	if err != nil {
		return nil, err
	}
	if filter != "" {
		data.Conditions = append(data.Conditions, addressColumn+" "+filter)
	}
	if !allPartitions {
		data.Conditions = append(data.Conditions, "toDate(block_timestamp) = toDate("+quoteString(ds)+")")
	}

	var stmts []string
	for _, name := range []string{"create_table.sql.tmpl", "clean_partition.sql.tmpl", parseTemplate} {
		var b strings.Builder
		if err := templates.ExecuteTemplate(&b, name, data); err != nil {
			return nil, fmt.Errorf("failed to render %s for %s: %w", name, def.Table.TableName, err)
		}
		stmts = append(stmts, b.String())
	}
	return stmts, nil
}

// contractFilter returns the condition on the contract address column, or ""
// when the definition matches any contract.
func (p *ClickHouseParser) contractFilter(def *definition.TableDefinition) (string, error) {
	address := strings.TrimSpace(def.ContractAddressValue())
	if address == "" {
		return "", nil
	}
	if refs.IsQuery(address) {
		dataset := warehouse.DatasetName(p.cfg.Chain, def.Table.DatasetName)
		query := refs.Replace(address, func(table string) string {
			return warehouse.TableRef{Dataset: dataset, Table: table}.String()
		})
		return "IN (" + query + ")", nil
	}

	parts := strings.Split(address, ",")
	quoted := make([]string, 0, len(parts))
	for _, part := range parts {
		a := strings.ToLower(strings.TrimSpace(part))
		if !addressRegex.MatchString(a) {
			return "", fmt.Errorf("invalid contract address %q in %s", part, def.Table.TableName)
		}
		quoted = append(quoted, quoteString(a))
	}
	if len(quoted) == 1 {
		return "= " + quoted[0], nil
	}
	return "IN (" + strings.Join(quoted, ", ") + ")", nil
}

// Parse (re)builds the ds partition of def's table. With allPartitions the
// table is truncated and rebuilt from the whole source history.
func (p *ClickHouseParser) Parse(ctx context.Context, def *definition.TableDefinition, ds string, allPartitions bool) error {
	stmts, err := p.Statements(def, ds, allPartitions)
	if err != nil {
		return err
	}

	conn, err := p.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	dest := p.Destination(def)
	if err := clickhouse.CreateDatabase(ctx, p.log, conn, dest.Dataset); err != nil {
		return fmt.Errorf("failed to create dataset %s: %w", dest.Dataset, err)
	}

	start := time.Now()
	ctx = clickhouse.ContextWithSyncInsert(ctx)
	for _, stmt := range stmts {
		p.log.Debug("parse: executing", "table", dest.String(), "sql", stmt)
		if err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to parse %s for %s: %w", dest, ds, err)
		}
	}

	var rows uint64
	query := "SELECT count() FROM " + dest.String()
	args := []any{}
	if !allPartitions {
		query += " WHERE toDate(block_timestamp) = toDate(?)"
		args = append(args, ds)
	}
	if err := conn.QueryRow(ctx, query, args...).Scan(&rows); err != nil {
		return fmt.Errorf("failed to count rows of %s: %w", dest, err)
	}

	p.log.Info("parse: table parsed", "table", dest.String(), "ds", ds, "all_partitions", allPartitions,
		"rows", rows, "duration", time.Since(start))
	return nil
}

func quoteString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}
