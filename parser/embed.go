// Package parser holds assets shared by the chainparse components.
package parser

import "embed"

//go:embed db/clickhouse/migrations/*.sql
var ClickHouseMigrationsFS embed.FS
