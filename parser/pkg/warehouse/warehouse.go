// Package warehouse is the small slice of ClickHouse DDL the workflow needs:
// making sure a dataset (database) exists and creating or replacing views.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/polygonetl/chainparse/parser/pkg/clickhouse"
	"github.com/polygonetl/chainparse/utils/pkg/retry"
)

// TableRef names a table or view inside a dataset.
type TableRef struct {
	Dataset string
	Table   string
}

func (r TableRef) String() string {
	return clickhouse.QuoteIdentifier(r.Dataset) + "." + clickhouse.QuoteIdentifier(r.Table)
}

type Config struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client
	Retry      retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

type Client struct {
	log *slog.Logger
	cfg Config
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{log: cfg.Logger, cfg: cfg}, nil
}

// EnsureDataset creates the dataset if it does not exist yet.
func (c *Client) EnsureDataset(ctx context.Context, name string) error {
	conn, err := c.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	err = retry.Do(ctx, c.cfg.Retry, func() error {
		return clickhouse.CreateDatabase(ctx, c.log, conn, name)
	})
	if err != nil {
		return fmt.Errorf("failed to ensure dataset %s: %w", name, err)
	}
	return nil
}

// CreateView creates or replaces the view at ref with the given SELECT.
func (c *Client) CreateView(ctx context.Context, sql string, ref TableRef) error {
	query := strings.TrimRight(strings.TrimSpace(sql), ";")
	if query == "" {
		return fmt.Errorf("view %s has empty sql", ref)
	}

	conn, err := c.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	c.log.Debug("warehouse: creating view", "view", ref.String(), "sql", query)
	stmt := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS %s", ref, query)
	err = retry.Do(ctx, c.cfg.Retry, func() error {
		return conn.Exec(ctx, stmt)
	})
	if err != nil {
		return fmt.Errorf("failed to create view %s: %w", ref, err)
	}
	c.log.Info("warehouse: view created", "view", ref.String())
	return nil
}

// TableEngine returns the engine of ref, or "" when it does not exist.
func (c *Client) TableEngine(ctx context.Context, ref TableRef) (string, error) {
	conn, err := c.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, "SELECT engine FROM system.tables WHERE database = ? AND name = ?", ref.Dataset, ref.Table)
	if err != nil {
		return "", fmt.Errorf("failed to look up %s: %w", ref, err)
	}
	defer rows.Close()

	var engine string
	if rows.Next() {
		if err := rows.Scan(&engine); err != nil {
			return "", fmt.Errorf("failed to scan engine of %s: %w", ref, err)
		}
	}
	return engine, rows.Err()
}

// DatasetName is the warehouse dataset a definitions folder publishes to,
// e.g. polygon_uniswap for the uniswap folder.
func DatasetName(chain, folder string) string {
	return chain + "_" + folder
}
