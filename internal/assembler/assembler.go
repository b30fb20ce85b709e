// Package assembler drives decentralized-storage assembly: given only a
// metadata content-hash, fetch the metadata and then every source it
// references, verifying keccak256 integrity as each arrives.
package assembler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lyfsn/sourcify/internal/contenthash"
	"github.com/lyfsn/sourcify/internal/model"
	apierrors "github.com/lyfsn/sourcify/internal/pkg/errors"
	"github.com/lyfsn/sourcify/internal/storage"
)

// sourceFanOutLimit bounds the number of source fetches in flight for a
// single assembly.
const sourceFanOutLimit = 8

// PendingAssembler turns a metadata content-hash into a fully-resolved
// CheckedContract by fetching the metadata, then fanning out to fetch
// every source it references.
type PendingAssembler struct {
	registry *storage.Registry
}

// New returns a PendingAssembler backed by the given fetcher registry.
func New(registry *storage.Registry) *PendingAssembler {
	return &PendingAssembler{registry: registry}
}

// Assemble fetches metadata by hash and every source it declares,
// returning a CheckedContract. The CheckedContract may be invalid (have
// Missing or Invalid entries) even on a nil error — assembly succeeding
// means "ran to completion", not "every source resolved".
func (a *PendingAssembler) Assemble(ctx context.Context, address string, chainID uint64, metadataHash contenthash.ContentHash) (*model.CheckedContract, error) {
	metaBytes, err := a.registry.Fetch(ctx, metadataHash)
	if err != nil {
		return nil, err
	}

	var meta model.Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, apierrors.ErrBadMetadata.WithMessage(err.Error())
	}
	meta.RawBytes = metaBytes

	contract := model.NewCheckedContract(meta)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sourceFanOutLimit)

	for path, entry := range meta.Sources {
		path, entry := path, entry
		g.Go(func() error {
			a.resolveSource(gctx, path, entry, contract, &mu)
			return nil
		})
	}
	// Fan-out errors are recorded per-source, never propagated: assembly
	// is successful even when some sources end up missing or invalid.
	_ = g.Wait()

	return contract, nil
}

// resolveSource fills in contract.Sources/Missing/Invalid for one
// declared source path.
func (a *PendingAssembler) resolveSource(ctx context.Context, path string, entry model.SourceEntry, contract *model.CheckedContract, mu *sync.Mutex) {
	if entry.HasContent() {
		if entry.ValidateContent() {
			mu.Lock()
			contract.AdoptSource(path, []byte(entry.Content))
			mu.Unlock()
			return
		}
		mu.Lock()
		contract.Invalid[path] = model.InvalidSource{
			Expected: entry.Keccak256,
			Got:      model.Keccak256([]byte(entry.Content)),
		}
		delete(contract.Missing, path)
		mu.Unlock()
		return
	}

	for _, url := range entry.URLs {
		hash, ok := contenthash.Parse(url)
		if !ok {
			continue
		}
		body, err := a.registry.Fetch(ctx, hash)
		if err != nil {
			continue
		}
		got := model.Keccak256(body)
		if !bytes.Equal(got, entry.Keccak256) {
			mu.Lock()
			contract.Invalid[path] = model.InvalidSource{Expected: entry.Keccak256, Got: got}
			delete(contract.Missing, path)
			mu.Unlock()
			continue
		}
		mu.Lock()
		contract.AdoptSource(path, body)
		mu.Unlock()
		return
	}

	mu.Lock()
	if _, alreadyInvalid := contract.Invalid[path]; !alreadyInvalid {
		contract.Missing[path] = fmt.Sprintf("no url for %q yielded a valid source", path)
	}
	mu.Unlock()
}
