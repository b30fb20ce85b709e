// Package model holds the data types shared across the verification
// pipeline: the compiler metadata shape, the in-flight checked contract,
// and the match outcome persisted by the repository.
package model

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Keccak256 returns the keccak256 digest of b.
func Keccak256(b []byte) []byte {
	return crypto.Keccak256(b)
}

// SHA1Hex returns the lowercase hex sha1 digest of b, used for session
// content and metadata ids.
func SHA1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

// SourceEntry is one entry of a metadata source map. Keccak256 is
// hexutil.Bytes rather than a plain []byte because solc metadata encodes
// it as a "0x"-prefixed hex string, not base64 (encoding/json's default
// for []byte).
type SourceEntry struct {
	Keccak256 hexutil.Bytes `json:"keccak256"`
	URLs      []string      `json:"urls,omitempty"`
	Content   string        `json:"content,omitempty"`
	License   string        `json:"license,omitempty"`
}

// HasContent reports whether this entry carries inline source text.
func (s SourceEntry) HasContent() bool {
	return s.Content != ""
}

// ValidateContent checks the keccak256 invariant: when Content is set, its
// digest must equal the declared Keccak256 field.
func (s SourceEntry) ValidateContent() bool {
	if !s.HasContent() {
		return true
	}
	return bytes.Equal(Keccak256([]byte(s.Content)), s.Keccak256)
}

// CompilationTarget names the single contract a Metadata compiles to.
type CompilationTarget struct {
	Path     string `json:"path"`
	Contract string `json:"name"`
}

// Metadata is the parsed compiler-emitted metadata JSON.
type Metadata struct {
	Language        string                 `json:"language"`
	CompilerVersion string                 `json:"compilerVersion"`
	Sources         map[string]SourceEntry `json:"sources"`
	Settings        MetadataSettings       `json:"settings"`
	Output          MetadataOutput         `json:"output"`

	// RawBytes is the exact metadata bytes as uploaded or fetched, kept
	// for content-hash and sha1 id derivation.
	RawBytes []byte `json:"-"`
}

// MetadataSettings is the subset of compiler settings relevant to
// recompilation and library linking.
type MetadataSettings struct {
	CompilationTarget map[string]string `json:"compilationTarget"`
	EVMVersion        string            `json:"evmVersion,omitempty"`
	Optimizer         OptimizerSettings `json:"optimizer"`
	Libraries         map[string]string `json:"libraries,omitempty"`
}

// OptimizerSettings mirrors solc's optimizer settings block.
type OptimizerSettings struct {
	Enabled bool `json:"enabled"`
	Runs    int  `json:"runs"`
}

// MetadataOutput holds the compiler's ABI output, kept as raw JSON since
// solc emits it as an array, not a base64 string.
type MetadataOutput struct {
	ABI json.RawMessage `json:"abi,omitempty"`
}

// Target returns the single compilation target this metadata names, and
// false if it doesn't name exactly one.
func (m Metadata) Target() (CompilationTarget, bool) {
	if len(m.Settings.CompilationTarget) != 1 {
		return CompilationTarget{}, false
	}
	for path, name := range m.Settings.CompilationTarget {
		return CompilationTarget{Path: path, Contract: name}, true
	}
	return CompilationTarget{}, false
}

// InvalidSource records why a source file failed validation.
type InvalidSource struct {
	Expected []byte
	Got      []byte
}

// CompiledArtifacts holds the output of a successful compile: the runtime
// and creation bytecode plus the compiler's own link/immutable maps.
type CompiledArtifacts struct {
	RuntimeBytecode     []byte
	CreationBytecode    []byte
	ImmutableReferences map[string][]ByteRange
	RuntimeLinkRefs     map[string]map[string][]ByteRange
	CreationLinkRefs    map[string]map[string][]ByteRange
}

// ByteRange is a half-open [Start, Start+Length) byte span within
// bytecode.
type ByteRange struct {
	Start  int
	Length int
}

// CheckedContract is a metadata plus the sources resolved for it, either
// from an upload or from decentralized-storage assembly.
type CheckedContract struct {
	Metadata  Metadata
	Sources   map[string][]byte
	Missing   map[string]string
	Invalid   map[string]InvalidSource
	Artifacts *CompiledArtifacts
}

// NewCheckedContract returns an empty CheckedContract for the given
// metadata, with Missing initialized to every declared source path.
func NewCheckedContract(meta Metadata) *CheckedContract {
	c := &CheckedContract{
		Metadata: meta,
		Sources:  make(map[string][]byte),
		Missing:  make(map[string]string),
		Invalid:  make(map[string]InvalidSource),
	}
	for path := range meta.Sources {
		c.Missing[path] = "not found in input"
	}
	return c
}

// Valid reports whether every declared source resolved successfully.
func (c *CheckedContract) Valid() bool {
	return len(c.Missing) == 0 && len(c.Invalid) == 0
}

// AdoptSource records path as resolved with the given bytes, removing it
// from Missing/Invalid.
func (c *CheckedContract) AdoptSource(path string, content []byte) {
	c.Sources[path] = content
	delete(c.Missing, path)
	delete(c.Invalid, path)
}

// MatchStatus is the tri-state (plus absent) outcome of comparing
// compiled bytecode against on-chain bytecode.
type MatchStatus string

const (
	MatchPerfect           MatchStatus = "perfect"
	MatchPartial           MatchStatus = "partial"
	MatchExtraFileInputBug MatchStatus = "extra-file-input-bug"
	MatchNone              MatchStatus = ""
)

// MatchQuality is the repository partition a Match is stored into.
type MatchQuality string

const (
	QualityFull    MatchQuality = "full_match"
	QualityPartial MatchQuality = "partial_match"
)

// Match is the outcome of verifying one deployed contract.
type Match struct {
	Address                        string
	ChainID                        uint64
	RuntimeMatch                   MatchStatus
	CreationMatch                  MatchStatus
	LibraryMap                     map[string]string
	ImmutableReferences            map[string][]ByteRange
	ABIEncodedConstructorArguments []byte
	CreatorTxHash                  string
	StorageTimestamp               int64
	Message                        string
}

// Quality derives the storage partition from runtimeMatch || creationMatch,
// unified so a creation-only match still yields a definite partition.
func (m Match) Quality() (MatchQuality, bool) {
	status := m.RuntimeMatch
	if status == MatchNone {
		status = m.CreationMatch
	}
	switch status {
	case MatchPerfect:
		return QualityFull, true
	case MatchPartial:
		return QualityPartial, true
	default:
		return "", false
	}
}

// Verified reports whether either side produced a perfect or partial
// match (i.e. this Match is storable).
func (m Match) Verified() bool {
	_, ok := m.Quality()
	return ok
}

// PendingContract tracks a metadata-hash-driven assembly in progress.
type PendingContract struct {
	MetadataHash   string
	Address        string
	ChainID        uint64
	Metadata       *Metadata
	PendingSources map[string]SourceEntry
	FetchedSources map[string]SourceEntry
}

// NewPendingContract seeds a PendingContract with every source path
// pending.
func NewPendingContract(hash, address string, chainID uint64, meta Metadata) *PendingContract {
	p := &PendingContract{
		MetadataHash:   hash,
		Address:        address,
		ChainID:        chainID,
		Metadata:       &meta,
		PendingSources: make(map[string]SourceEntry, len(meta.Sources)),
		FetchedSources: make(map[string]SourceEntry),
	}
	for path, entry := range meta.Sources {
		p.PendingSources[path] = entry
	}
	return p
}

// Resolve moves path from pending to fetched once its content has
// validated.
func (p *PendingContract) Resolve(path string, entry SourceEntry) {
	delete(p.PendingSources, path)
	p.FetchedSources[path] = entry
}

// Done reports whether every declared source has been fetched.
func (p *PendingContract) Done() bool {
	return len(p.PendingSources) == 0
}

// ContractStatus summarizes one staged contract's verification state
// inside a session snapshot.
type ContractStatus struct {
	MetadataID string      `json:"metadataId"`
	Valid      bool        `json:"valid"`
	Missing    []string    `json:"missing,omitempty"`
	Invalid    []string    `json:"invalid,omitempty"`
	Address    string      `json:"address,omitempty"`
	ChainID    uint64      `json:"chainId,omitempty"`
	Status     MatchStatus `json:"status,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// InputFile is one uploaded file staged in a Session, keyed externally
// by its content id (sha1 of Content).
type InputFile struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// VerificationTarget associates a staged contract with the deployment
// it should be checked against.
type VerificationTarget struct {
	Address       string `json:"address"`
	ChainID       uint64 `json:"chainId"`
	CreatorTxHash string `json:"creatorTxHash,omitempty"`
}

// Session accumulates uploaded files and the contracts resolved from
// them across multiple HTTP requests.
type Session struct {
	InputFiles    map[string]InputFile           `json:"inputFiles"`
	Contracts     map[string]*CheckedContract    `json:"contracts"`
	Targets       map[string]VerificationTarget  `json:"targets"`
	Results       map[string]*Match              `json:"results"`
	UnusedSources []string                       `json:"unusedSources"`
}

// NewSession returns an empty Session.
func NewSession() *Session {
	return &Session{
		InputFiles: make(map[string]InputFile),
		Contracts:  make(map[string]*CheckedContract),
		Targets:    make(map[string]VerificationTarget),
		Results:    make(map[string]*Match),
	}
}

// TotalUploadBytes sums the content length of every staged input file.
func (s *Session) TotalUploadBytes() int64 {
	var total int64
	for _, f := range s.InputFiles {
		total += int64(len(f.Content))
	}
	return total
}

// maxSessionUploadBytes is documented, not enforced, here; the session
// package enforces its own configured cap (whose config default is the
// same 50 MiB) and does not read this figure.
const maxSessionUploadBytes = 50 * 1024 * 1024

// MaxSessionUploadBytes returns the default cumulative upload cap for a
// session, in bytes.
func MaxSessionUploadBytes() int64 { return maxSessionUploadBytes }

// ValidateAddressLike performs a cheap shape check (non-empty, even hex
// length) used before handing a string to go-ethereum's stricter parser.
func ValidateAddressLike(s string) error {
	if len(s) == 0 {
		return fmt.Errorf("empty address")
	}
	if len(strings.TrimPrefix(s, "0x"))%2 != 0 {
		return fmt.Errorf("odd-length hex address %q", s)
	}
	return nil
}
