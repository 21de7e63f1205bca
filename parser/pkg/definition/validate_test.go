package definition

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChainParse_Definition_ValidateFolder(t *testing.T) {
	t.Parallel()

	t.Run("valid folder passes", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "uniswap")
		writeFile(t, dir, "Factory_event_PairCreated.json", tableJSON("uniswap", "Factory_event_PairCreated", "0xabc"))
		writeFile(t, dir, "Pair_event_Swap.json", tableJSON("uniswap", "Pair_event_Swap", "SELECT pair FROM ref('Factory_event_PairCreated')"))
		writeFile(t, dir, "swaps.sql", "SELECT 1")

		require.NoError(t, ValidateFolder(dir))
	})

	t.Run("empty folder passes", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, ValidateFolder(t.TempDir()))
	})

	t.Run("missing table section", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "ds")
		writeFile(t, dir, "foo.json", `{"parser": {"type": "log"}}`)

		err := ValidateFolder(dir)
		require.ErrorIs(t, err, ErrInvalidDefinition)
		require.Contains(t, err.Error(), "table is empty in file")
	})

	t.Run("empty table section", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "ds")
		writeFile(t, dir, "foo.json", `{"table": {}}`)

		err := ValidateFolder(dir)
		require.ErrorIs(t, err, ErrInvalidDefinition)
		require.Contains(t, err.Error(), "table is empty in file")
	})

	t.Run("null table section", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "ds")
		writeFile(t, dir, "foo.json", `{"table": null}`)

		err := ValidateFolder(dir)
		require.ErrorIs(t, err, ErrInvalidDefinition)
		require.Contains(t, err.Error(), "table is empty in file")
	})

	t.Run("table section with only unknown keys", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "ds")
		writeFile(t, dir, "foo.json", `{"table": {"owner": "data-team"}}`)

		err := ValidateFolder(dir)
		require.ErrorIs(t, err, ErrInvalidDefinition)
		require.Contains(t, err.Error(), "dataset_name is empty in file")
		require.NotContains(t, err.Error(), "table is empty")
	})

	t.Run("missing dataset_name", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "ds")
		writeFile(t, dir, "foo.json", `{"table": {"table_name": "foo"}}`)

		err := ValidateFolder(dir)
		require.ErrorIs(t, err, ErrInvalidDefinition)
		require.Contains(t, err.Error(), "dataset_name is empty in file")
	})

	t.Run("dataset_name does not match folder", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "mydataset")
		writeFile(t, dir, "foo.json", tableJSON("other", "foo", ""))

		err := ValidateFolder(dir)
		require.ErrorIs(t, err, ErrInvalidDefinition)
		require.Contains(t, err.Error(), "dataset_name other is not equal to dataset_folder_name mydataset")
	})

	t.Run("missing table_name", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "ds")
		writeFile(t, dir, "foo.json", `{"table": {"dataset_name": "ds"}}`)

		err := ValidateFolder(dir)
		require.ErrorIs(t, err, ErrInvalidDefinition)
		require.Contains(t, err.Error(), "table_name is empty in file")
	})

	t.Run("file name differs from table_name", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "ds")
		writeFile(t, dir, "foo.json", tableJSON("ds", "Foo", ""))

		err := ValidateFolder(dir)
		require.ErrorIs(t, err, ErrInvalidDefinition)
		require.Contains(t, err.Error(), "file_name foo doesn't match the table_name Foo")
	})

	t.Run("case-insensitive duplicates are reported together", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "ds")
		writeFile(t, dir, "Transfers.json", tableJSON("ds", "Transfers", ""))
		writeFile(t, dir, "transfers.json", tableJSON("ds", "transfers", ""))
		writeFile(t, dir, "Swaps.json", tableJSON("ds", "Swaps", ""))
		writeFile(t, dir, "SWAPS.json", tableJSON("ds", "SWAPS", ""))
		writeFile(t, dir, "unique.json", tableJSON("ds", "unique", ""))

		err := ValidateFolder(dir)
		require.ErrorIs(t, err, ErrInvalidDefinition)
		msg := err.Error()
		require.Contains(t, msg, "the following table names are not unique")
		require.Contains(t, msg, "transfers (Transfers, transfers)")
		require.Contains(t, msg, "swaps (SWAPS, Swaps)")
		require.NotContains(t, msg, "unique (")
	})

	t.Run("malformed json", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "ds")
		writeFile(t, dir, "foo.json", "{")

		err := ValidateFolder(dir)
		require.ErrorIs(t, err, ErrInvalidDefinition)
	})
}
