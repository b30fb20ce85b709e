package matchstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyfsn/sourcify/internal/model"
)

func testContract(t *testing.T) *model.CheckedContract {
	t.Helper()
	meta := model.Metadata{
		Language: "Solidity",
		RawBytes: []byte(`{"language":"Solidity"}`),
	}
	c := model.NewCheckedContract(meta)
	c.AdoptSource("contracts/C.sol", []byte("contract C {}"))
	return c
}

func TestStoreAndLookup_FullMatch(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	contract := testContract(t)
	match := &model.Match{
		Address:      "0xAbC",
		ChainID:      1,
		RuntimeMatch: model.MatchPerfect,
	}

	require.NoError(t, store.Store(contract, match))

	got, ok := store.Lookup(1, "0xAbC")
	require.True(t, ok)
	assert.Equal(t, model.MatchPerfect, got.RuntimeMatch)
	assert.NotZero(t, got.StorageTimestamp)
}

func TestStore_PartialThenPromoteToFull(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	contract := testContract(t)
	partial := &model.Match{Address: "0xAbC", ChainID: 1, RuntimeMatch: model.MatchPartial}
	require.NoError(t, store.Store(contract, partial))

	partialDir := store.contractDir(dirPartialMatch, 1, "0xAbC")
	_, err = os.Stat(partialDir)
	require.NoError(t, err)

	full := &model.Match{Address: "0xAbC", ChainID: 1, RuntimeMatch: model.MatchPerfect}
	require.NoError(t, store.Store(contract, full))

	_, err = os.Stat(partialDir)
	assert.True(t, os.IsNotExist(err), "partial_match directory should be removed after promotion")

	got, ok := store.Lookup(1, "0xAbC")
	require.True(t, ok)
	assert.Equal(t, model.MatchPerfect, got.RuntimeMatch)
}

func TestLookup_NotFound(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	_, ok := store.Lookup(1, "0xNotThere")
	assert.False(t, ok)
}

func TestStore_SanitizesTraversalPaths(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	meta := model.Metadata{RawBytes: []byte(`{}`)}
	contract := model.NewCheckedContract(meta)
	contract.AdoptSource("../../etc/passwd", []byte("not actually passwd"))

	match := &model.Match{Address: "0xDef", ChainID: 5, RuntimeMatch: model.MatchPerfect}
	require.NoError(t, store.Store(contract, match))

	dir := store.contractDir(dirFullMatch, 5, "0xDef")
	translation, err := os.ReadFile(filepath.Join(dir, "path-translation.json"))
	require.NoError(t, err)
	assert.Contains(t, string(translation), "../../etc/passwd")
}

func TestStore_RejectsNonStorableMatch(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	err = store.Store(testContract(t), &model.Match{Address: "0x1", ChainID: 1})
	assert.Error(t, err)
}

func TestFiles_ListsStoredFiles(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	contract := testContract(t)
	match := &model.Match{Address: "0xAbC", ChainID: 1, RuntimeMatch: model.MatchPerfect}
	require.NoError(t, store.Store(contract, match))

	files, ok := store.Files("", 1, "0xAbC")
	require.True(t, ok)
	assert.Contains(t, files, "contracts/full_match/1/0xAbC/metadata.json")
	assert.Contains(t, files, "contracts/full_match/1/0xAbC/sources/contracts/C.sol")
}

func TestFiles_NotFound(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	_, ok := store.Files("", 1, "0xNotThere")
	assert.False(t, ok)
}

func TestStore_WritesRootManifestMonotonically(t *testing.T) {
	root := t.TempDir()
	store, err := New(root)
	require.NoError(t, err)

	manifestPath := filepath.Join(root, "manifest.json")

	first := &model.Match{Address: "0xAbC", ChainID: 1, RuntimeMatch: model.MatchPerfect}
	require.NoError(t, store.Store(testContract(t), first))

	firstTS, err := readManifestTimestampFile(manifestPath)
	require.NoError(t, err)
	assert.NotZero(t, firstTS)

	second := &model.Match{Address: "0xDef", ChainID: 1, RuntimeMatch: model.MatchPerfect}
	require.NoError(t, store.Store(testContract(t), second))

	secondTS, err := readManifestTimestampFile(manifestPath)
	require.NoError(t, err)
	assert.Greater(t, secondTS, firstTS, "root manifest timestamp must strictly advance across Store calls")
}
