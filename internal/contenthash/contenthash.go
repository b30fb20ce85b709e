// Package contenthash implements the ContentHash value type: a parsed
// reference into a decentralized storage layer (IPFS or Swarm), plus
// extraction of the hash fields embedded in a contract's metadata CBOR
// trailer.
package contenthash

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Origin identifies which decentralized storage network a ContentHash
// refers to.
type Origin string

const (
	OriginIPFS       Origin = "ipfs"
	OriginSwarmBzzr0 Origin = "swarm-bzzr0"
	OriginSwarmBzzr1 Origin = "swarm-bzzr1"
)

// ContentHash is a parsed decentralized-storage reference: an origin plus
// the raw hash bytes. For ipfs the bytes are the CIDv0 digest (32 bytes,
// keccak/sha256 domain depending on encoding); for swarm they are the
// 32-byte bzzr root hash.
type ContentHash struct {
	Origin Origin
	Hash   []byte
}

// String renders the canonical URI form of a ContentHash.
func (c ContentHash) String() string {
	switch c.Origin {
	case OriginIPFS:
		if cid, ok := IPFSCid(c); ok {
			return "dweb:/ipfs/" + cid
		}
		return "dweb:/ipfs/" + hex.EncodeToString(c.Hash)
	case OriginSwarmBzzr0:
		return "bzzr0://" + hex.EncodeToString(c.Hash)
	case OriginSwarmBzzr1:
		return "bzzr1://" + hex.EncodeToString(c.Hash)
	default:
		return ""
	}
}

// Parse recognizes the decentralized-storage URI forms this service
// accepts: dweb:/ipfs/<cid>, ipfs://<cid>, bzz-raw://<hex>,
// bzzr0://<hex>, bzzr1://<hex>. It returns (ContentHash{}, false) for any
// other scheme, including http(s):// — a plain web URL names a location,
// not a content-addressed one, so there is no hash to verify fetched
// bytes against, and it is rejected rather than guessed at.
func Parse(uri string) (ContentHash, bool) {
	switch {
	case strings.HasPrefix(uri, "dweb:/ipfs/"):
		return fromIPFS(strings.TrimPrefix(uri, "dweb:/ipfs/"))
	case strings.HasPrefix(uri, "ipfs://"):
		return fromIPFS(strings.TrimPrefix(uri, "ipfs://"))
	case strings.HasPrefix(uri, "bzz-raw://"):
		return fromHex(OriginSwarmBzzr0, strings.TrimPrefix(uri, "bzz-raw://"))
	case strings.HasPrefix(uri, "bzzr0://"):
		return fromHex(OriginSwarmBzzr0, strings.TrimPrefix(uri, "bzzr0://"))
	case strings.HasPrefix(uri, "bzzr1://"):
		return fromHex(OriginSwarmBzzr1, strings.TrimPrefix(uri, "bzzr1://"))
	default:
		return ContentHash{}, false
	}
}

// fromIPFS parses the <cid> identifier of a dweb:/ipfs/ or ipfs:// URI.
// Real ipfs URIs name a CIDv0 (a base58btc-encoded sha2-256 multihash,
// "Qm..."), not a hex string — spec.md's own grammar gives ipfs the
// <cid> form and reserves <hex> for the swarm schemes. A plain
// hex-encoded 32-byte digest is still accepted as a fallback, for
// callers that already hold the raw digest rather than a CID string.
func fromIPFS(raw string) (ContentHash, bool) {
	if digest, ok := decodeCIDv0(raw); ok {
		return ContentHash{Origin: OriginIPFS, Hash: digest}, true
	}
	return fromHex(OriginIPFS, raw)
}

// fromHex decodes a hex-encoded 32-byte digest, as used by the swarm
// bzz-raw/bzzr0/bzzr1 schemes and accepted as an ipfs fallback.
func fromHex(origin Origin, raw string) (ContentHash, bool) {
	raw = strings.TrimPrefix(raw, "0x")
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != 32 {
		return ContentHash{}, false
	}
	return ContentHash{Origin: origin, Hash: b}, true
}

// ipfsCIDv0Prefix is the two-byte multihash header a CIDv0 string
// decodes to: sha2-256 (0x12), digest length 32 (0x20).
var ipfsCIDv0Prefix = [2]byte{0x12, 0x20}

// IPFSCid renders an ipfs ContentHash's 32-byte digest as a CIDv0
// string, for building request URLs against ipfs gateways. Returns
// false for any other origin or an unexpected digest length.
func IPFSCid(hash ContentHash) (string, bool) {
	if hash.Origin != OriginIPFS || len(hash.Hash) != 32 {
		return "", false
	}
	multihash := append([]byte{ipfsCIDv0Prefix[0], ipfsCIDv0Prefix[1]}, hash.Hash...)
	return base58Encode(multihash), true
}

// decodeCIDv0 decodes a CIDv0 string and returns its 32-byte sha2-256
// digest, stripping the multihash header.
func decodeCIDv0(s string) ([]byte, bool) {
	if !strings.HasPrefix(s, "Qm") {
		return nil, false
	}
	decoded, ok := base58Decode(s)
	if !ok || len(decoded) != 34 || decoded[0] != ipfsCIDv0Prefix[0] || decoded[1] != ipfsCIDv0Prefix[1] {
		return nil, false
	}
	return decoded[2:], true
}

// base58Alphabet is the base58btc alphabet IPFS and Bitcoin share
// (0, O, I, l omitted to avoid visual ambiguity).
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// base58Encode is the standard base58btc encoding: no third-party
// base58 library appears anywhere in the retrieved corpus (go-ethereum
// hand-rolls an equivalent, unexported encoder in its own build
// tooling), so this follows the same big.Int long-division approach in
// the corpus's idiom rather than depending on a library nothing else
// here uses.
func base58Encode(b []byte) string {
	x := new(big.Int).SetBytes(b)
	base := big.NewInt(58)
	mod := new(big.Int)

	var out []byte
	for x.Sign() > 0 {
		x.DivMod(x, base, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	for _, c := range b {
		if c != 0 {
			break
		}
		out = append([]byte{base58Alphabet[0]}, out...)
	}
	return string(out)
}

// base58Decode inverts base58Encode.
func base58Decode(s string) ([]byte, bool) {
	x := new(big.Int)
	base := big.NewInt(58)
	for _, r := range s {
		idx := strings.IndexRune(base58Alphabet, r)
		if idx < 0 {
			return nil, false
		}
		x.Mul(x, base)
		x.Add(x, big.NewInt(int64(idx)))
	}

	decoded := x.Bytes()
	leadingOnes := 0
	for _, r := range s {
		if byte(r) != base58Alphabet[0] {
			break
		}
		leadingOnes++
	}
	out := make([]byte, leadingOnes+len(decoded))
	copy(out[leadingOnes:], decoded)
	return out, true
}

// metadataHashes mirrors the shape of the CBOR trailer emitted by solc:
// a map that may contain "ipfs", "bzzr0", "bzzr1" byte-string fields plus
// a "solc" version field we don't care about here.
type metadataHashes struct {
	IPFS  []byte `cbor:"ipfs,omitempty"`
	Bzzr0 []byte `cbor:"bzzr0,omitempty"`
	Bzzr1 []byte `cbor:"bzzr1,omitempty"`
}

// FromMetadataCborSection decodes the CBOR-encoded metadata trailer
// appended to compiled bytecode and extracts every ContentHash it names.
func FromMetadataCborSection(raw []byte) ([]ContentHash, error) {
	var decoded metadataHashes
	if err := cbor.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode metadata cbor section: %w", err)
	}

	var hashes []ContentHash
	if len(decoded.IPFS) == 32 {
		hashes = append(hashes, ContentHash{Origin: OriginIPFS, Hash: decoded.IPFS})
	}
	if len(decoded.Bzzr0) == 32 {
		hashes = append(hashes, ContentHash{Origin: OriginSwarmBzzr0, Hash: decoded.Bzzr0})
	}
	if len(decoded.Bzzr1) == 32 {
		hashes = append(hashes, ContentHash{Origin: OriginSwarmBzzr1, Hash: decoded.Bzzr1})
	}
	return hashes, nil
}
