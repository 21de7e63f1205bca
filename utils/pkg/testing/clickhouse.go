package chainparsetesting

import (
	"testing"

	"github.com/polygonetl/chainparse/parser/pkg/clickhouse"
	clickhousetesting "github.com/polygonetl/chainparse/parser/pkg/clickhouse/testing"
	"github.com/stretchr/testify/require"
)

// ClientInfo holds a test client and its database name.
type ClientInfo struct {
	Client   clickhouse.Client
	Database string
}

// NewClient returns a migrated client on a fresh database.
func NewClient(t *testing.T, db *clickhousetesting.DB) clickhouse.Client {
	return NewClientWithInfo(t, db).Client
}

// NewClientWithInfo creates a test client, runs migrations, and returns info
// including the database name.
func NewClientWithInfo(t *testing.T, db *clickhousetesting.DB) *ClientInfo {
	info, err := clickhousetesting.NewTestClientWithInfo(t, db)
	require.NoError(t, err)

	err = clickhouse.RunMigrations(t.Context(), NewLogger(), db.Config(info.Database))
	require.NoError(t, err)

	return &ClientInfo{
		Client:   info.Client,
		Database: info.Database,
	}
}
