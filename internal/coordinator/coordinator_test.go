package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyfsn/sourcify/internal/model"
	apierrors "github.com/lyfsn/sourcify/internal/pkg/errors"
)

func TestVerifyDeployed_UnsupportedChain(t *testing.T) {
	vc := New(NewChainClients(), nil)
	_, err := vc.VerifyDeployed(context.Background(), &model.CheckedContract{}, 999, "0xabc", "")
	require.Error(t, err)
	apiErr := apierrors.AsAPIError(err)
	assert.Equal(t, "unsupported-chain", apiErr.Code)
}

func TestSingleFlight_AcquireRelease(t *testing.T) {
	vc := New(NewChainClients(), nil)
	k := key{chainID: 1, address: "0xabc"}

	assert.True(t, vc.acquire(k))
	assert.False(t, vc.acquire(k), "second acquire for the same key must fail immediately")

	vc.release(k)
	assert.True(t, vc.acquire(k), "after release the key is available again")
	vc.release(k)
}

func TestSingleFlight_DistinctKeysDontConflict(t *testing.T) {
	vc := New(NewChainClients(), nil)
	a := key{chainID: 1, address: "0xabc"}
	b := key{chainID: 1, address: "0xdef"}

	assert.True(t, vc.acquire(a))
	assert.True(t, vc.acquire(b))
	vc.release(a)
	vc.release(b)
}

func TestChainClients_GetUnregistered(t *testing.T) {
	c := NewChainClients()
	_, ok := c.Get(1)
	assert.False(t, ok)
}
