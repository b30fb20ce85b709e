// Package coordinator drives a single contract's verification: it
// deduplicates concurrent attempts for the same (chain, address),
// resolves on-chain bytecode, and delegates to the matcher.
package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/lyfsn/sourcify/internal/matcher"
	"github.com/lyfsn/sourcify/internal/model"
	apierrors "github.com/lyfsn/sourcify/internal/pkg/errors"
)

// ChainClients resolves a chain id to the ethclient.Client dialed for
// it. Loaded once at startup, read-mostly.
type ChainClients struct {
	mu      sync.RWMutex
	clients map[uint64]*ethclient.Client
}

// NewChainClients returns an empty ChainClients registry.
func NewChainClients() *ChainClients {
	return &ChainClients{clients: make(map[uint64]*ethclient.Client)}
}

// Register installs client as the handler for chainID.
func (c *ChainClients) Register(chainID uint64, client *ethclient.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[chainID] = client
}

// Get returns the client registered for chainID.
func (c *ChainClients) Get(chainID uint64) (*ethclient.Client, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	client, ok := c.clients[chainID]
	return client, ok
}

// key identifies one in-flight verification.
type key struct {
	chainID uint64
	address string
}

// VerificationCoordinator deduplicates concurrent verifications of the
// same (chainId, address) and drives one verification end to end.
type VerificationCoordinator struct {
	chains  *ChainClients
	matcher *matcher.BytecodeMatcher

	mu       sync.Mutex
	inFlight map[key]struct{}
}

// New returns a VerificationCoordinator.
func New(chains *ChainClients, m *matcher.BytecodeMatcher) *VerificationCoordinator {
	return &VerificationCoordinator{
		chains:   chains,
		matcher:  m,
		inFlight: make(map[key]struct{}),
	}
}

// VerifyDeployed resolves on-chain code for (chainID, address), invokes
// the matcher, and returns a Match. Returns already-verifying
// immediately (no queueing) if a verification for this key is already
// running.
func (vc *VerificationCoordinator) VerifyDeployed(ctx context.Context, contract *model.CheckedContract, chainID uint64, address string, creatorTxHash string) (*model.Match, error) {
	k := key{chainID: chainID, address: address}

	if !vc.acquire(k) {
		return nil, apierrors.ErrAlreadyVerifying
	}
	defer vc.release(k)

	client, ok := vc.chains.Get(chainID)
	if !ok {
		return nil, apierrors.ErrUnsupportedChain
	}

	addr := common.HexToAddress(address)
	runtimeCode, err := client.CodeAt(ctx, addr, nil)
	if err != nil {
		return nil, apierrors.ErrNotDeployed.WithMessage(err.Error())
	}
	if len(runtimeCode) == 0 {
		return nil, apierrors.ErrNotDeployed
	}

	var creationCode []byte
	if creatorTxHash != "" {
		creationCode, _ = fetchCreationInput(ctx, client, creatorTxHash)
		// Tolerate failure: creatorTxHash is best-effort and a missing
		// creation code just means only runtime matching is attempted.
	}

	match, err := vc.matcher.Match(ctx, contract, matcher.OnChainCode{
		Runtime:  runtimeCode,
		Creation: creationCode,
	})
	if err != nil {
		return nil, err
	}
	match.Address = address
	match.ChainID = chainID
	match.CreatorTxHash = creatorTxHash

	return match, nil
}

// VerifyWithRecovery runs VerifyDeployed, and if the result is
// extra-file-input-bug, re-invokes it with expandedContract (every
// uploaded file, not only metadata-referenced sources). A second
// extra-file-input-bug is terminal.
func (vc *VerificationCoordinator) VerifyWithRecovery(ctx context.Context, contract, expandedContract *model.CheckedContract, chainID uint64, address string, creatorTxHash string) (*model.Match, error) {
	match, err := vc.VerifyDeployed(ctx, contract, chainID, address, creatorTxHash)
	if err != nil {
		return nil, err
	}
	if match.RuntimeMatch != model.MatchExtraFileInputBug && match.CreationMatch != model.MatchExtraFileInputBug {
		return match, nil
	}

	retried, err := vc.VerifyDeployed(ctx, expandedContract, chainID, address, creatorTxHash)
	if err != nil {
		return nil, err
	}
	if retried.RuntimeMatch == model.MatchExtraFileInputBug || retried.CreationMatch == model.MatchExtraFileInputBug {
		return nil, fmt.Errorf("upload is inconsistent with on-chain bytecode even with every file included")
	}
	return retried, nil
}

func (vc *VerificationCoordinator) acquire(k key) bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if _, busy := vc.inFlight[k]; busy {
		return false
	}
	vc.inFlight[k] = struct{}{}
	return true
}

func (vc *VerificationCoordinator) release(k key) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	delete(vc.inFlight, k)
}

// fetchCreationInput resolves a transaction's calldata by hash; this is
// the chain-specific creator-transaction helper the coordinator treats
// as best-effort.
func fetchCreationInput(ctx context.Context, client *ethclient.Client, txHash string) ([]byte, error) {
	tx, _, err := client.TransactionByHash(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, err
	}
	return tx.Data(), nil
}
