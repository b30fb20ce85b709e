// Package matchstore persists verified contracts to a content-addressed
// filesystem tree, partitioned into full_match/partial_match directories,
// and maintains a monotonically-increasing manifest.
package matchstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lyfsn/sourcify/internal/model"
	"github.com/lyfsn/sourcify/internal/pkg/ulid"
)

const (
	dirFullMatch    = "full_match"
	dirPartialMatch = "partial_match"
)

// MatchStore is the content-addressed filesystem repository.
type MatchStore struct {
	root string

	mu                  sync.Mutex
	lastGlobalTimestamp int64
}

// New returns a MatchStore rooted at root. root is created if missing.
func New(root string) (*MatchStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "contracts"), 0o755); err != nil {
		return nil, fmt.Errorf("create repository root: %w", err)
	}
	s := &MatchStore{root: root}
	if ts, err := readManifestTimestampFile(filepath.Join(root, "manifest.json")); err == nil {
		s.lastGlobalTimestamp = ts
	}
	return s, nil
}

func (s *MatchStore) contractDir(partition string, chainID uint64, address string) string {
	return filepath.Join(s.root, "contracts", partition, strconv.FormatUint(chainID, 10), address)
}

// Lookup checks full_match first, then partial_match, and synthesizes a
// Match from the directory's stored manifest and artifacts.
func (s *MatchStore) Lookup(chainID uint64, address string) (*model.Match, bool) {
	partitions := []struct {
		name    string
		quality model.MatchQuality
	}{
		{dirFullMatch, model.QualityFull},
		{dirPartialMatch, model.QualityPartial},
	}
	for _, p := range partitions {
		partition, quality := p.name, p.quality
		dir := s.contractDir(partition, chainID, address)
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		match := &model.Match{
			Address: address,
			ChainID: chainID,
		}
		if quality == model.QualityFull {
			match.RuntimeMatch = model.MatchPerfect
		} else {
			match.RuntimeMatch = model.MatchPartial
		}
		if ts, err := readManifestTimestamp(dir); err == nil {
			match.StorageTimestamp = ts
		}
		if raw, err := os.ReadFile(filepath.Join(dir, "library-map.json")); err == nil {
			_ = json.Unmarshal(raw, &match.LibraryMap)
		}
		if raw, err := os.ReadFile(filepath.Join(dir, "immutable-references.json")); err == nil {
			_ = json.Unmarshal(raw, &match.ImmutableReferences)
		}
		if raw, err := os.ReadFile(filepath.Join(dir, "creator-tx-hash.txt")); err == nil {
			match.CreatorTxHash = strings.TrimSpace(string(raw))
		}
		return match, true
	}
	return nil, false
}

// Files lists every stored file under a contract's directory, relative
// to the repository root, for the given status filter (dirFullMatch,
// dirPartialMatch, or "" meaning "any", full_match checked first).
func (s *MatchStore) Files(status string, chainID uint64, address string) ([]string, bool) {
	var partitions []string
	switch status {
	case dirFullMatch, dirPartialMatch:
		partitions = []string{status}
	default:
		partitions = []string{dirFullMatch, dirPartialMatch}
	}

	for _, partition := range partitions {
		dir := s.contractDir(partition, chainID, address)
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}

		var files []string
		_ = filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
			if err != nil || fi.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(s.root, path)
			if relErr != nil {
				return nil
			}
			files = append(files, filepath.ToSlash(rel))
			return nil
		})
		return files, true
	}
	return nil, false
}

// Store persists contract under the partition derived from match's
// quality, promoting an existing partial_match directory to full_match
// when applicable.
func (s *MatchStore) Store(contract *model.CheckedContract, match *model.Match) error {
	quality, ok := match.Quality()
	if !ok {
		return fmt.Errorf("match has no storable quality")
	}

	partition := dirPartialMatch
	if quality == model.QualityFull {
		partition = dirFullMatch
	}
	dir := s.contractDir(partition, match.ChainID, match.Address)

	if quality == model.QualityFull {
		if err := s.promoteFromPartial(match.ChainID, match.Address); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Join(dir, "sources"), 0o755); err != nil {
		return fmt.Errorf("create contract directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), contract.Metadata.RawBytes, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	pathTranslation := make(map[string]string)
	for path, content := range contract.Sources {
		sanitized, changed := sanitizePath(path)
		if changed {
			pathTranslation[sanitized] = path
		}
		dest := filepath.Join(dir, "sources", sanitized)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("create source directory: %w", err)
		}
		if err := os.WriteFile(dest, content, 0o644); err != nil {
			return fmt.Errorf("write source %s: %w", path, err)
		}
	}
	if len(pathTranslation) > 0 {
		if err := writeJSON(filepath.Join(dir, "path-translation.json"), pathTranslation); err != nil {
			return err
		}
	}

	if len(match.ABIEncodedConstructorArguments) > 0 {
		hexArgs := fmt.Sprintf("%x", match.ABIEncodedConstructorArguments)
		if err := os.WriteFile(filepath.Join(dir, "constructor-args.txt"), []byte(hexArgs), 0o644); err != nil {
			return fmt.Errorf("write constructor args: %w", err)
		}
	}
	if match.CreatorTxHash != "" {
		if err := os.WriteFile(filepath.Join(dir, "creator-tx-hash.txt"), []byte(match.CreatorTxHash), 0o644); err != nil {
			return fmt.Errorf("write creator tx hash: %w", err)
		}
	}
	if len(match.LibraryMap) > 0 {
		if err := writeJSON(filepath.Join(dir, "library-map.json"), match.LibraryMap); err != nil {
			return err
		}
	}
	if len(match.ImmutableReferences) > 0 {
		if err := writeJSON(filepath.Join(dir, "immutable-references.json"), match.ImmutableReferences); err != nil {
			return err
		}
	}

	if err := s.bumpManifest(dir); err != nil {
		return err
	}
	return s.appendAuditLog(match.ChainID, match.Address, partition)
}

// promoteFromPartial deletes an existing partial_match directory for
// (chainID, address) by renaming it aside first, so a crash mid-delete
// never leaves a half-removed directory at the canonical path.
func (s *MatchStore) promoteFromPartial(chainID uint64, address string) error {
	partialDir := s.contractDir(dirPartialMatch, chainID, address)
	if _, err := os.Stat(partialDir); err != nil {
		return nil
	}
	asideDir := partialDir + ".removing"
	if err := os.Rename(partialDir, asideDir); err != nil {
		return fmt.Errorf("stage partial_match for removal: %w", err)
	}
	return os.RemoveAll(asideDir)
}

// bumpManifest writes the per-contract manifest.json (the timestamp
// Lookup reports for this one contract) and advances the
// repository-root manifest.json, which tags the repository as a whole.
func (s *MatchStore) bumpManifest(dir string) error {
	manifest := map[string]int64{"timestamp": time.Now().UnixMilli()}
	if err := writeJSON(filepath.Join(dir, "manifest.json"), manifest); err != nil {
		return err
	}
	return s.bumpGlobalManifest()
}

// bumpGlobalManifest advances the repository root's manifest.json
// timestamp. It is held strictly increasing across any sequence of
// Store calls observed from outside, even when two calls land in the
// same millisecond or the system clock doesn't advance between them.
func (s *MatchStore) bumpGlobalManifest() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := time.Now().UnixMilli()
	if ts <= s.lastGlobalTimestamp {
		ts = s.lastGlobalTimestamp + 1
	}
	s.lastGlobalTimestamp = ts

	return writeJSON(filepath.Join(s.root, "manifest.json"), map[string]int64{"timestamp": ts})
}

func readManifestTimestamp(dir string) (int64, error) {
	return readManifestTimestampFile(filepath.Join(dir, "manifest.json"))
}

func readManifestTimestampFile(path string) (int64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var manifest struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return 0, err
	}
	return manifest.Timestamp, nil
}

type auditEntry struct {
	ID        string `json:"id"`
	ChainID   uint64 `json:"chainId"`
	Address   string `json:"address"`
	Partition string `json:"partition"`
	Timestamp int64  `json:"timestamp"`
}

// appendAuditLog appends one line to the repository-wide manifest.ndjson
// operational audit trail. This log is purely observational; the
// repository-root manifest.json timestamp remains the source of truth
// for monotonicity.
func (s *MatchStore) appendAuditLog(chainID uint64, address, partition string) error {
	entry := auditEntry{
		ID:        ulid.New(),
		ChainID:   chainID,
		Address:   address,
		Partition: partition,
		Timestamp: time.Now().UnixMilli(),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(s.root, "manifest.ndjson"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

func writeJSON(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, raw, 0o644)
}

// sanitizePath replaces path traversal and absolute-path components so a
// malicious metadata source path cannot escape the contract directory.
// It reports whether sanitization changed the path.
func sanitizePath(path string) (string, bool) {
	cleaned := filepath.Clean(path)
	cleaned = strings.TrimPrefix(cleaned, string(filepath.Separator))
	parts := strings.Split(cleaned, string(filepath.Separator))
	changed := false
	for i, part := range parts {
		if part == ".." || part == "." || part == "" {
			parts[i] = "_"
			changed = true
		}
	}
	result := strings.Join(parts, string(filepath.Separator))
	if result != path {
		changed = true
	}
	return result, changed
}
