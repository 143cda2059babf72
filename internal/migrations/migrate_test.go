package migrations

import (
	"errors"
	"io"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSource_WalksEveryVersion(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	var versions []uint
	v, err := src.First()
	require.NoError(t, err)
	for {
		versions = append(versions, v)

		up, _, err := src.ReadUp(v)
		require.NoError(t, err, "version %d has no up file", v)
		body, err := io.ReadAll(up)
		require.NoError(t, err)
		_ = up.Close()
		assert.NotEmpty(t, strings.TrimSpace(string(body)))

		down, _, err := src.ReadDown(v)
		require.NoError(t, err, "version %d has no down file", v)
		_ = down.Close()

		v, err = src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, []uint{1, 2, 3}, versions)
}

func TestSchema_CarriesUniquenessConstraints(t *testing.T) {
	var all strings.Builder
	entries, err := fs.Glob(files, "sql/*.up.sql")
	require.NoError(t, err)
	for _, name := range entries {
		b, err := files.ReadFile(name)
		require.NoError(t, err)
		all.Write(b)
	}
	schema := all.String()

	assert.Contains(t, schema, "ON ledger_accounts (user_id) WHERE is_active")
	assert.Contains(t, schema, "UNIQUE (external_operation_id)")
	assert.Contains(t, schema, "external_operation_id TEXT PRIMARY KEY")
	assert.Contains(t, schema, "UNIQUE (external_call_id)")
	assert.Contains(t, schema, "CHECK (credit_balance >= 0)")
}
