// Package session implements the server-side SessionStager: it holds
// partially-specified contracts across HTTP requests, keyed by a client
// session id, and re-attempts verification as preconditions are met.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lyfsn/sourcify/internal/checker"
	"github.com/lyfsn/sourcify/internal/coordinator"
	"github.com/lyfsn/sourcify/internal/matchstore"
	"github.com/lyfsn/sourcify/internal/model"
	apierrors "github.com/lyfsn/sourcify/internal/pkg/errors"
)

const keyPrefix = "sourcify:session:"

// keyValueStore is the narrow slice of *database.Redis the stager needs;
// accepting it as an interface lets tests substitute an in-memory fake.
type keyValueStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// Stager holds Session state in Redis, keyed by client session id, and
// serializes mutations per session id within this process.
type Stager struct {
	redis       keyValueStore
	checker     *checker.ContractChecker
	coordinator *coordinator.VerificationCoordinator
	store       *matchstore.MatchStore

	maxUploadBytes int64
	idleExpiry     time.Duration

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New returns a Stager.
func New(redis keyValueStore, contractChecker *checker.ContractChecker, coord *coordinator.VerificationCoordinator, store *matchstore.MatchStore, maxUploadBytes int64, idleExpiry time.Duration) *Stager {
	return &Stager{
		redis:          redis,
		checker:        contractChecker,
		coordinator:    coord,
		store:          store,
		maxUploadBytes: maxUploadBytes,
		idleExpiry:     idleExpiry,
		locks:          make(map[string]*sync.Mutex),
	}
}

func (s *Stager) lockFor(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[sessionID] = m
	}
	return m
}

func (s *Stager) load(ctx context.Context, sessionID string) (*model.Session, error) {
	raw, err := s.redis.Get(ctx, keyPrefix+sessionID)
	if err != nil {
		return model.NewSession(), nil
	}
	var sess model.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode stored session: %w", err)
	}
	return &sess, nil
}

func (s *Stager) save(ctx context.Context, sessionID string, sess *model.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.redis.Set(ctx, keyPrefix+sessionID, raw, s.idleExpiry)
}

// AddFiles accumulates files into the session, deduping by sha1, then
// re-runs ContractChecker over the full accumulated file set and
// merges the resulting CheckedContracts into the session's entries.
func (s *Stager) AddFiles(ctx context.Context, sessionID string, files map[string][]byte) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}

	for path, content := range files {
		id := model.SHA1Hex(content)
		sess.InputFiles[id] = model.InputFile{Path: path, Content: content}
	}

	if sess.TotalUploadBytes() > s.maxUploadBytes {
		return apierrors.ErrPayloadTooLarge
	}

	allFiles := make(map[string][]byte, len(sess.InputFiles))
	for _, f := range sess.InputFiles {
		allFiles[f.Path] = f.Content
	}

	contracts, unused := s.checker.CheckFiles(allFiles)
	sess.UnusedSources = unused

	for _, c := range contracts {
		id := model.SHA1Hex(c.Metadata.RawBytes)
		existing, ok := sess.Contracts[id]
		if !ok {
			sess.Contracts[id] = c
			continue
		}
		mergeCheckedContract(existing, c)
	}

	return s.save(ctx, sessionID, sess)
}

// mergeCheckedContract fills dst's missing sources from src, never
// overwriting sources dst has already validated.
func mergeCheckedContract(dst, src *model.CheckedContract) {
	for path, content := range src.Sources {
		if _, already := dst.Sources[path]; !already {
			dst.AdoptSource(path, content)
		}
	}
}

// SetVerificationTargets associates (address, chainId, creatorTxHash)
// with staged contracts by metadata id.
func (s *Stager) SetVerificationTargets(ctx context.Context, sessionID string, targets map[string]model.VerificationTarget) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	for id, target := range targets {
		sess.Targets[id] = target
	}
	return s.save(ctx, sessionID, sess)
}

// VerifyReady runs VerificationCoordinator for every staged contract
// that is valid and has a verification target set, short-circuiting
// against MatchStore when a record already exists for that deployment.
func (s *Stager) VerifyReady(ctx context.Context, sessionID string) (*model.Session, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	for id, contract := range sess.Contracts {
		target, hasTarget := sess.Targets[id]
		if !hasTarget || !contract.Valid() {
			continue
		}

		if existing, ok := s.store.Lookup(target.ChainID, target.Address); ok {
			sess.Results[id] = existing
			continue
		}

		match, err := s.coordinator.VerifyDeployed(ctx, contract, target.ChainID, target.Address, target.CreatorTxHash)
		if err != nil {
			sess.Results[id] = &model.Match{
				Address: target.Address,
				ChainID: target.ChainID,
				Message: err.Error(),
			}
			continue
		}
		sess.Results[id] = match

		if match.Verified() {
			if storeErr := s.store.Store(contract, match); storeErr != nil {
				sess.Results[id].Message = fmt.Sprintf("verified but failed to persist: %v", storeErr)
			}
		}
	}

	if err := s.save(ctx, sessionID, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Snapshot serializes the session state for the client: per-contract
// status plus the list of still-unused uploaded files.
func (s *Stager) Snapshot(ctx context.Context, sessionID string) ([]model.ContractStatus, []string, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	statuses := make([]model.ContractStatus, 0, len(sess.Contracts))
	for id, c := range sess.Contracts {
		status := model.ContractStatus{
			MetadataID: id,
			Valid:      c.Valid(),
		}
		for path := range c.Missing {
			status.Missing = append(status.Missing, path)
		}
		for path := range c.Invalid {
			status.Invalid = append(status.Invalid, path)
		}
		if target, ok := sess.Targets[id]; ok {
			status.Address = target.Address
			status.ChainID = target.ChainID
		}
		if result, ok := sess.Results[id]; ok {
			status.Status = result.RuntimeMatch
			if status.Status == model.MatchNone {
				status.Status = result.CreationMatch
			}
			status.Message = result.Message
		}
		statuses = append(statuses, status)
	}

	return statuses, sess.UnusedSources, nil
}
