package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/polygonetl/chainparse/parser/pkg/dag"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// TriggerFunc starts a run of d for executionDate in the background.
type TriggerFunc func(ctx context.Context, d *dag.DAG, executionDate time.Time) error

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	DAGs func() []*dag.DAG
	// Ready reports whether the warehouse is reachable. Nil means always ready.
	Ready func(ctx context.Context) error
	// Trigger enables POST /dags/{id}/runs when set.
	Trigger TriggerFunc
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.DAGs == nil {
		return errors.New("dags are required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return nil
}
