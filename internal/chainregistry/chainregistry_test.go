package chainregistry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMockRegistry_GetFound(t *testing.T) {
	mockRepo := new(MockRegistry)
	ctx := context.Background()

	expected := &Chain{ChainID: 1, Name: "mainnet", RPCURL: "https://rpc.example/1"}
	mockRepo.On("Get", ctx, uint64(1)).Return(expected, nil)

	chain, err := mockRepo.Get(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, expected, chain)
	mockRepo.AssertExpectations(t)
}

func TestMockRegistry_GetNotFound(t *testing.T) {
	mockRepo := new(MockRegistry)
	ctx := context.Background()

	mockRepo.On("Get", ctx, uint64(999)).Return(nil, nil)

	chain, err := mockRepo.Get(ctx, 999)
	assert.NoError(t, err)
	assert.Nil(t, chain)
	mockRepo.AssertExpectations(t)
}

func TestMockRegistry_List(t *testing.T) {
	mockRepo := new(MockRegistry)
	ctx := context.Background()

	chains := []*Chain{
		{ChainID: 1, Name: "mainnet"},
		{ChainID: 11155111, Name: "sepolia"},
	}
	mockRepo.On("List", ctx).Return(chains, nil)

	got, err := mockRepo.List(ctx)
	assert.NoError(t, err)
	assert.Len(t, got, 2)
	mockRepo.AssertExpectations(t)
}

func TestMockRegistry_Upsert(t *testing.T) {
	mockRepo := new(MockRegistry)
	ctx := context.Background()

	chain := &Chain{ChainID: 1, Name: "mainnet", RPCURL: "https://rpc.example/1"}
	mockRepo.On("Upsert", ctx, chain).Return(nil)

	err := mockRepo.Upsert(ctx, chain)
	assert.NoError(t, err)
	mockRepo.AssertExpectations(t)
}
