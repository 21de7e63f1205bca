package definition

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChainParse_Definition_ReadTableDefinition(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "uniswap")
	p := writeFile(t, dir, "Pair_event_Swap.json",
		tableJSON("uniswap", "Pair_event_Swap", "SELECT pair FROM ref('Factory_event_PairCreated')"))

	def, err := ReadTableDefinition(p)
	require.NoError(t, err)
	require.Equal(t, "uniswap", def.Table.DatasetName)
	require.Equal(t, "Pair_event_Swap", def.Table.TableName)
	require.Equal(t, ParserTypeLog, def.Parser.Type)
	require.Equal(t, "Transfer", def.Parser.ABI.Name)
	require.Len(t, def.Parser.ABI.Inputs, 3)
	require.True(t, def.Parser.ABI.Inputs[0].Indexed)
	require.Equal(t, "SELECT pair FROM ref('Factory_event_PairCreated')", def.ContractAddressValue())
	require.Equal(t, p, def.Path)
}

func TestChainParse_Definition_NullContractAddress(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "erc20")
	p := writeFile(t, dir, "Any_event_Transfer.json", tableJSON("erc20", "Any_event_Transfer", ""))

	def, err := ReadTableDefinition(p)
	require.NoError(t, err)
	require.Nil(t, def.Parser.ContractAddress)
	require.Equal(t, "", def.ContractAddressValue())
}

func TestChainParse_Definition_ReadTableDefinition_Malformed(t *testing.T) {
	t.Parallel()

	p := writeFile(t, t.TempDir(), "broken.json", "{not json")
	_, err := ReadTableDefinition(p)
	require.Error(t, err)
	require.Contains(t, err.Error(), "broken.json")
}

func TestChainParse_Definition_LoadTableDefinitions(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "aave")
	writeFile(t, dir, "B.json", tableJSON("aave", "B", ""))
	writeFile(t, dir, "A.json", tableJSON("aave", "A", ""))
	writeFile(t, dir, "notes.txt", "ignored")

	defs, err := LoadTableDefinitions(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	require.Equal(t, "A", defs[0].Table.TableName)
	require.Equal(t, "B", defs[1].Table.TableName)
}

func TestChainParse_Definition_LoadViewDefinitions(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "aave")
	writeFile(t, dir, "v2.sql", "SELECT 2")
	writeFile(t, dir, "v1.sql", "SELECT 1")
	writeFile(t, dir, "v3.sql", "SELECT 3")
	writeFile(t, dir, "t.json", tableJSON("aave", "t", ""))

	views, err := LoadViewDefinitions(dir)
	require.NoError(t, err)
	require.Len(t, views, 3)
	require.Equal(t, "v1", views[0].Name)
	require.Equal(t, "SELECT 1", views[0].SQL)
	require.Equal(t, "v2", views[1].Name)
	require.Equal(t, "v3", views[2].Name)
}

func TestChainParse_Definition_DatasetFolders(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "uniswap"), "a.json", "{}")
	writeFile(t, filepath.Join(root, "aave"), "b.json", "{}")
	writeFile(t, filepath.Join(root, ".git"), "HEAD", "x")
	writeFile(t, root, "README.md", "x")

	folders, err := DatasetFolders(root)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(root, "aave"), filepath.Join(root, "uniswap")}, folders)
}

func TestChainParse_Definition_FolderName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "mydataset", FolderName("/defs/mydataset"))
	require.Equal(t, "mydataset", FolderName("/defs/mydataset/"))
}
