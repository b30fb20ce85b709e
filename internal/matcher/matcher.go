// Package matcher implements the bytecode-matching algorithm: recompile,
// link libraries, strip metadata, mask immutables, compare, classify.
package matcher

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/lyfsn/sourcify/internal/compiler"
	"github.com/lyfsn/sourcify/internal/model"
	apierrors "github.com/lyfsn/sourcify/internal/pkg/errors"
)

// placeholderPattern matches a solc library placeholder: __$ + 34 hex
// chars (a truncated keccak of the library's fully qualified name) + $__.
var placeholderPattern = regexp.MustCompile(`__\$[0-9a-fA-F]{34}\$__`)

// BytecodeMatcher recompiles a CheckedContract and compares the result
// against on-chain bytecode.
type BytecodeMatcher struct {
	driver compiler.Driver
}

// New returns a BytecodeMatcher backed by driver.
func New(driver compiler.Driver) *BytecodeMatcher {
	return &BytecodeMatcher{driver: driver}
}

// OnChainCode bundles the on-chain artifacts a Match is compared
// against.
type OnChainCode struct {
	Runtime           []byte
	Creation          []byte // the deploying transaction's full input, or nil
}

// Match recompiles contract and compares the result against onChain,
// producing a Match. contract must be Valid (every declared source
// resolved) before calling Match.
func (bm *BytecodeMatcher) Match(ctx context.Context, contract *model.CheckedContract, onChain OnChainCode) (*model.Match, error) {
	if len(onChain.Runtime) == 0 {
		return &model.Match{Message: "no bytecode at address"}, nil
	}

	target, ok := contract.Metadata.Target()
	if !ok {
		return nil, apierrors.ErrBadMetadata.WithMessage("metadata does not name exactly one compilation target")
	}

	out, err := bm.compile(ctx, contract)
	if err != nil {
		return nil, err
	}
	contractOut, err := compiler.ContractFor(out, target.Path, target.Contract)
	if err != nil {
		return nil, err
	}

	match := &model.Match{
		LibraryMap: make(map[string]string),
	}

	// Library placeholders (__$<34 hex>$__) are literal, non-hex text
	// embedded in solc's hex object string; they must be linked to a
	// real address before the string is hex-decoded, or decoding fails
	// on every contract that links a library.
	linkedRuntime, err := linkLibraries(contractOut.EVM.DeployedBytecode.Object, contract.Metadata.Settings.Libraries, onChain.Runtime, match.LibraryMap)
	if err != nil {
		return nil, apierrors.ErrCompilerError.WithMessage("undecodable runtime bytecode")
	}
	runtimeStatus, immutables := bm.compareRuntime(linkedRuntime, onChain.Runtime, contractOut.EVM.DeployedBytecode.ImmutableReferences)
	match.RuntimeMatch = runtimeStatus
	match.ImmutableReferences = immutables

	if len(onChain.Creation) > 0 {
		linkedCreation, err := linkLibraries(contractOut.EVM.Bytecode.Object, contract.Metadata.Settings.Libraries, onChain.Creation, match.LibraryMap)
		if err != nil {
			return nil, apierrors.ErrCompilerError.WithMessage("undecodable creation bytecode")
		}
		creationStatus, ctorArgs, err := bm.compareCreation(linkedCreation, onChain.Creation, contractOut, target)
		if err != nil {
			return nil, err
		}
		match.CreationMatch = creationStatus
		match.ABIEncodedConstructorArguments = ctorArgs
	}

	return match, nil
}

func (bm *BytecodeMatcher) compile(ctx context.Context, contract *model.CheckedContract) (*compiler.StandardJSONOutput, error) {
	sources := make(map[string]compiler.StandardJSONFile, len(contract.Sources))
	for path, content := range contract.Sources {
		sources[path] = compiler.StandardJSONFile{Content: string(content)}
	}

	libs := make(map[string]map[string]string)
	if len(contract.Metadata.Settings.Libraries) > 0 {
		// Metadata stores libraries as "path:Name" -> address; standard
		// json wants a nested path -> name -> address map.
		for key, addr := range contract.Metadata.Settings.Libraries {
			path, name, ok := splitLibraryKey(key)
			if !ok {
				continue
			}
			if libs[path] == nil {
				libs[path] = make(map[string]string)
			}
			libs[path][name] = addr
		}
	}

	input := compiler.StandardJSONInput{
		Language: contract.Metadata.Language,
		Sources:  sources,
		Settings: compiler.StandardJSONSettings{
			EVMVersion: contract.Metadata.Settings.EVMVersion,
			Optimizer: compiler.StandardJSONOptimizer{
				Enabled: contract.Metadata.Settings.Optimizer.Enabled,
				Runs:    contract.Metadata.Settings.Optimizer.Runs,
			},
			Libraries:       libs,
			OutputSelection: compiler.ForcedOutputSelection(),
		},
	}

	return bm.driver.Compile(ctx, contract.Metadata.CompilerVersion, input)
}

func splitLibraryKey(key string) (path, name string, ok bool) {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

// linkLibraries replaces every library placeholder in hexCode (solc's
// raw hex object string, which may contain literal __$<34hex>$__
// placeholders that are not themselves valid hex) with the address
// configured in metadata, then decodes the result. If a placeholder has
// no configured address, it recovers the address from the corresponding
// span of onChainCode and records it in libraryMap. Placeholders must be
// resolved before decoding: hex.DecodeString fails on the placeholder
// text itself.
func linkLibraries(hexCode string, libraries map[string]string, onChainCode []byte, libraryMap map[string]string) ([]byte, error) {
	linked := []byte(strings.TrimPrefix(hexCode, "0x"))

	for {
		loc := placeholderPattern.FindIndex(linked)
		if loc == nil {
			break
		}
		placeholder := string(linked[loc[0]:loc[1]])
		addr := resolveLibraryAddress(placeholder, libraries)
		if addr == "" && len(onChainCode) > 0 {
			addr = recoverAddressFromOnChain(loc[0], onChainCode)
			if addr != "" {
				libraryMap[placeholder] = addr
			}
		} else if addr != "" {
			libraryMap[placeholder] = addr
		}
		if addr == "" {
			// Can't resolve; leave as-is and stop trying further
			// occurrences of a pattern we can't fill.
			break
		}
		replacement := strings.ToLower(strings.TrimPrefix(addr, "0x"))
		linked = append(linked[:loc[0]], append([]byte(replacement), linked[loc[1]:]...)...)
	}

	return hexDecode(string(linked))
}

// resolveLibraryAddress finds the library whose fully-qualified name
// ("path:Name") hashes to the digest embedded in placeholder, and
// returns its configured address.
func resolveLibraryAddress(placeholder string, libraries map[string]string) string {
	digest := placeholder[3 : 3+34] // strip "__$" prefix and "$__" suffix
	for key, addr := range libraries {
		if addr == "" {
			continue
		}
		want := hex.EncodeToString(model.Keccak256([]byte(key)))
		if len(want) >= 34 && want[:34] == digest {
			return addr
		}
	}
	return ""
}

// recoverAddressFromOnChain reads the 20-byte address at the same hex
// offset in onChainCode, if it exists and the code is long enough.
func recoverAddressFromOnChain(hexOffset int, onChainCode []byte) string {
	byteOffset := hexOffset / 2
	if byteOffset+20 > len(onChainCode) {
		return ""
	}
	return common.BytesToAddress(onChainCode[byteOffset : byteOffset+20]).Hex()
}

// stripMetadataTrailer parses the 2-byte CBOR-length suffix and removes
// the trailer plus length bytes, returning the code body and the
// trailer bytes (nil if the suffix looked invalid).
func stripMetadataTrailer(code []byte) (body []byte, trailer []byte) {
	if len(code) < 2 {
		return code, nil
	}
	cborLen := int(binary.BigEndian.Uint16(code[len(code)-2:]))
	trailerStart := len(code) - 2 - cborLen
	if trailerStart < 0 || trailerStart > len(code)-2 {
		return code, nil
	}
	return code[:trailerStart], code[trailerStart : len(code)-2]
}

// maskImmutables zeroes the immutable reference spans in both compiled
// and on-chain code, returning the masked spans (start and length) keyed
// by reference id. The on-chain bytes of those spans are not returned.
func maskImmutables(compiled, onChain []byte, refs map[string][]compiler.LinkReference) map[string][]model.ByteRange {
	captured := make(map[string][]model.ByteRange)
	for id, spans := range refs {
		var ranges []model.ByteRange
		for _, span := range spans {
			ranges = append(ranges, model.ByteRange{Start: span.Start, Length: span.Length})
			zeroSpan(compiled, span.Start, span.Length)
			zeroSpan(onChain, span.Start, span.Length)
		}
		captured[id] = ranges
	}
	return captured
}

func zeroSpan(code []byte, start, length int) {
	if start < 0 || start+length > len(code) {
		return
	}
	for i := start; i < start+length; i++ {
		code[i] = 0
	}
}

// compareRuntime runs the runtime-bytecode comparison procedure:
// mask immutables, strip metadata trailers, then compare.
func (bm *BytecodeMatcher) compareRuntime(compiled, onChain []byte, immutableRefs map[string][]compiler.LinkReference) (model.MatchStatus, map[string][]model.ByteRange) {
	// Work on copies: masking mutates in place and callers may reuse
	// the on-chain slice.
	compiledCopy := append([]byte(nil), compiled...)
	onChainCopy := append([]byte(nil), onChain...)

	immutables := maskImmutables(compiledCopy, onChainCopy, immutableRefs)

	compiledBody, compiledTrailer := stripMetadataTrailer(compiledCopy)
	onChainBody, onChainTrailer := stripMetadataTrailer(onChainCopy)

	return compareBodies(compiledBody, compiledTrailer, onChainBody, onChainTrailer), immutables
}

// compareBodies implements the tri-state classification shared by
// runtime and creation comparison, once both sides have had their
// metadata trailer separated out.
func compareBodies(compiledBody, compiledTrailer, onChainBody, onChainTrailer []byte) model.MatchStatus {
	switch {
	case bytes.Equal(compiledBody, onChainBody) && bytes.Equal(compiledTrailer, onChainTrailer):
		return model.MatchPerfect
	case bytes.Equal(compiledBody, onChainBody):
		return model.MatchPartial
	case len(compiledBody) > len(onChainBody) && bytes.Equal(compiledBody[:len(onChainBody)], onChainBody):
		return model.MatchExtraFileInputBug
	case len(compiledBody) < len(onChainBody) && bytes.Equal(compiledBody, onChainBody[:len(compiledBody)]) && allZero(onChainBody[len(compiledBody):]):
		return model.MatchPerfect
	default:
		return model.MatchNone
	}
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// compareCreation aligns compiled creation bytecode against the
// deploying transaction's input, ABI-decodes the trailing constructor
// arguments, and runs the same tri-state comparison as runtime.
func (bm *BytecodeMatcher) compareCreation(compiledCreation, txInput []byte, contractOut compiler.ContractOutput, target model.CompilationTarget) (model.MatchStatus, []byte, error) {
	if len(txInput) < len(compiledCreation) {
		// Can't even align the prefix; no match.
		return model.MatchNone, nil, nil
	}

	// The deploying transaction's input is creation bytecode followed by
	// ABI-encoded constructor arguments; align on the compiled length
	// before separating out the metadata trailer on each side.
	onChainCreation := txInput[:len(compiledCreation)]
	ctorArgs := txInput[len(compiledCreation):]

	compiledBody, compiledTrailer := stripMetadataTrailer(compiledCreation)
	onChainBody, onChainTrailer := stripMetadataTrailer(onChainCreation)

	status := compareBodies(compiledBody, compiledTrailer, onChainBody, onChainTrailer)

	if status == model.MatchPerfect || status == model.MatchPartial {
		if len(ctorArgs) > 0 {
			if err := validateConstructorArgs(contractOut.ABI, ctorArgs); err != nil {
				return model.MatchNone, nil, nil
			}
		}
		return status, ctorArgs, nil
	}

	return status, nil, nil
}

// validateConstructorArgs ABI-decodes ctorArgs against the contract's
// constructor input types, failing if they don't decode cleanly.
func validateConstructorArgs(rawABI []byte, ctorArgs []byte) error {
	if len(rawABI) == 0 {
		return nil
	}
	parsed, err := abi.JSON(bytes.NewReader(rawABI))
	if err != nil {
		return fmt.Errorf("parse abi: %w", err)
	}
	if len(parsed.Constructor.Inputs) == 0 {
		return nil
	}
	_, err = parsed.Constructor.Inputs.Unpack(ctorArgs)
	return err
}

func hexDecode(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
