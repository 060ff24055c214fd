//go:build integration

package postgres

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-analyst/pkg/testhelpers"
)

func configFromConnStr(t *testing.T, connStr string) *Config {
	t.Helper()
	u, err := url.Parse(connStr)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	password, _ := u.User.Password()
	return &Config{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		Database: u.Path[1:],
		SSLMode:  "disable",
	}
}

func TestQueryExecutor_Integration(t *testing.T) {
	engineDB := testhelpers.GetEngineDB(t)
	ctx := context.Background()
	cfg := configFromConnStr(t, engineDB.ConnStr)

	exec, err := NewQueryExecutor(ctx, cfg, nil, uuid.New(), uuid.New())
	require.NoError(t, err)
	defer exec.Close()

	t.Run("bounded result", func(t *testing.T) {
		result, err := exec.Query(ctx, "SELECT g AS n FROM generate_series(1, 50) g", 10)
		require.NoError(t, err)
		assert.Equal(t, 10, result.RowCount)
		assert.Equal(t, "n", result.Columns[0].Name)
	})

	t.Run("syntax error carries fragment", func(t *testing.T) {
		_, err := exec.Query(ctx, "SELECT n FRMO generate_series(1, 3) n", 10)
		var syntaxErr *datasource.SyntaxError
		require.True(t, errors.As(err, &syntaxErr), "got %v", err)
		assert.NotEmpty(t, syntaxErr.Fragment)
	})

	t.Run("writes are rejected", func(t *testing.T) {
		_, err := exec.Query(ctx, "SELECT * FROM (DELETE FROM engine_datasources RETURNING id) d", 10)
		assert.Error(t, err)
	})
}

func TestCatalog_Integration(t *testing.T) {
	engineDB := testhelpers.GetEngineDB(t)
	ctx := context.Background()

	d, err := NewCatalog(ctx, configFromConnStr(t, engineDB.ConnStr), nil, uuid.New(), uuid.New())
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.TestConnection(ctx))

	tables, err := d.DiscoverTables(ctx)
	require.NoError(t, err)

	var found bool
	for _, tbl := range tables {
		if tbl.TableName == "engine_messages" {
			found = true
			cols, err := d.DiscoverColumns(ctx, tbl.SchemaName, tbl.TableName)
			require.NoError(t, err)
			assert.Equal(t, "id", cols[0].ColumnName)
			assert.True(t, cols[0].IsPrimaryKey)
		}
	}
	assert.True(t, found)
}
