package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyfsn/sourcify/internal/checker"
	"github.com/lyfsn/sourcify/internal/coordinator"
	apierrors "github.com/lyfsn/sourcify/internal/pkg/errors"

	"github.com/lyfsn/sourcify/internal/matchstore"
	"github.com/lyfsn/sourcify/internal/model"
)

// fakeKV is an in-memory stand-in for database.Redis.
type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeKV() *fakeKV { return &fakeKV{data: make(map[string]string)} }

func (f *fakeKV) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return "", assert.AnError
	}
	return v, nil
}

func (f *fakeKV) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	default:
		f.data[key] = assert.AnError.Error()
	}
	return nil
}

// keccak256("contract C {}") = 0x2ca98f43bf7d7121b0edcb8fab871932bd054c8ceddd10b7a98125c33b716468
func metadataJSON() []byte {
	return []byte(`{"language":"Solidity","compiler":{"version":"0.8.21"},"settings":{"compilationTarget":{"C.sol":"C"}},"sources":{"C.sol":{"keccak256":"0x2ca98f43bf7d7121b0edcb8fab871932bd054c8ceddd10b7a98125c33b716468"}}}`)
}

func newTestStager(t *testing.T) (*Stager, string) {
	t.Helper()
	store, err := matchstore.New(t.TempDir())
	require.NoError(t, err)
	coord := coordinator.New(coordinator.NewChainClients(), nil)
	return New(newFakeKV(), checker.New(), coord, store, 1024*1024, time.Hour), "session-1"
}

func TestAddFiles_TracksUnusedAndMissing(t *testing.T) {
	stager, sid := newTestStager(t)

	err := stager.AddFiles(context.Background(), sid, map[string][]byte{
		"metadata.json": metadataJSON(),
		"stray.sol":     []byte("contract Unrelated {}"),
	})
	require.NoError(t, err)

	statuses, unused, err := stager.Snapshot(context.Background(), sid)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Valid)
	assert.Contains(t, statuses[0].Missing, "C.sol")
	assert.Contains(t, unused, "stray.sol")
}

func TestAddFiles_RejectsOverCap(t *testing.T) {
	store, err := matchstore.New(t.TempDir())
	require.NoError(t, err)
	coord := coordinator.New(coordinator.NewChainClients(), nil)
	stager := New(newFakeKV(), checker.New(), coord, store, 10, time.Hour)

	err = stager.AddFiles(context.Background(), "sid", map[string][]byte{
		"big.sol": make([]byte, 100),
	})
	require.Error(t, err)
	assert.Equal(t, apierrors.ErrPayloadTooLarge, err)
}

func TestSetVerificationTargets_StoredInSnapshot(t *testing.T) {
	stager, sid := newTestStager(t)

	err := stager.AddFiles(context.Background(), sid, map[string][]byte{
		"metadata.json": metadataJSON(),
	})
	require.NoError(t, err)

	statuses, _, err := stager.Snapshot(context.Background(), sid)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	metadataID := statuses[0].MetadataID

	err = stager.SetVerificationTargets(context.Background(), sid, map[string]model.VerificationTarget{
		metadataID: {Address: "0xAbC", ChainID: 1},
	})
	require.NoError(t, err)

	statuses, _, err = stager.Snapshot(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, "0xAbC", statuses[0].Address)
	assert.Equal(t, uint64(1), statuses[0].ChainID)
}

func TestVerifyReady_RecordsErrorForUnsupportedChain(t *testing.T) {
	stager, sid := newTestStager(t)

	err := stager.AddFiles(context.Background(), sid, map[string][]byte{
		"metadata.json": metadataJSON(),
		"C.sol":         []byte("contract C {}"),
	})
	require.NoError(t, err)

	statuses, _, err := stager.Snapshot(context.Background(), sid)
	require.NoError(t, err)
	metadataID := statuses[0].MetadataID

	require.NoError(t, stager.SetVerificationTargets(context.Background(), sid, map[string]model.VerificationTarget{
		metadataID: {Address: "0xAbC", ChainID: 999},
	}))

	sess, err := stager.VerifyReady(context.Background(), sid)
	require.NoError(t, err)
	result := sess.Results[metadataID]
	require.NotNil(t, result)
	assert.Contains(t, result.Message, "not supported")
}
