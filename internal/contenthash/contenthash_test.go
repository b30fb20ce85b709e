package contenthash

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestParse_AcceptedSchemes(t *testing.T) {
	raw := "1111111111111111111111111111111111111111111111111111111111111111"[:64]
	h := mustHex(t, raw)

	tests := []struct {
		name   string
		uri    string
		origin Origin
	}{
		{"dweb ipfs", "dweb:/ipfs/" + raw, OriginIPFS},
		{"ipfs scheme", "ipfs://" + raw, OriginIPFS},
		{"bzz-raw", "bzz-raw://" + raw, OriginSwarmBzzr0},
		{"bzzr0", "bzzr0://" + raw, OriginSwarmBzzr0},
		{"bzzr1", "bzzr1://" + raw, OriginSwarmBzzr1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.uri)
			require.True(t, ok)
			assert.Equal(t, tt.origin, got.Origin)
			assert.True(t, bytes.Equal(h, got.Hash))
		})
	}
}

func TestParse_RejectsUnknownAndHTTPSSchemes(t *testing.T) {
	raw := "1111111111111111111111111111111111111111111111111111111111111111"[:64]

	for _, uri := range []string{
		"https://example.com/" + raw,
		"http://example.com/" + raw,
		"ftp://example.com/" + raw,
		"not-a-uri",
		"",
	} {
		_, ok := Parse(uri)
		assert.False(t, ok, "expected %q to be rejected", uri)
	}
}

func TestParse_RejectsWrongLengthHash(t *testing.T) {
	_, ok := Parse("ipfs://abcd")
	assert.False(t, ok)
}

func TestParse_IPFS_AcceptsCIDv0(t *testing.T) {
	// A real CIDv0: the one ipfs assigns to an empty file, i.e. the
	// base58btc-encoded sha2-256 multihash of ipfs's encoded empty-file
	// node (not of the raw empty byte string).
	const cid = "QmbFMke1KXqnYyBBWxB74N4c5SBnJMVAiMNRcGu6x1AwQH"

	got, ok := Parse("ipfs://" + cid)
	require.True(t, ok)
	assert.Equal(t, OriginIPFS, got.Origin)
	assert.Len(t, got.Hash, 32)

	got2, ok := Parse("dweb:/ipfs/" + cid)
	require.True(t, ok)
	assert.Equal(t, got.Hash, got2.Hash)

	roundTripped, ok := IPFSCid(got)
	require.True(t, ok)
	assert.Equal(t, cid, roundTripped)
}

func TestParse_IPFS_RejectsMalformedCID(t *testing.T) {
	_, ok := Parse("ipfs://QmThisIsNotValidBase58Content!!!")
	assert.False(t, ok)
}

func TestFromMetadataCborSection(t *testing.T) {
	raw := "2222222222222222222222222222222222222222222222222222222222222222"[:64]
	ipfsHash := mustHex(t, raw)

	encoded, err := cbor.Marshal(map[string]any{
		"ipfs": ipfsHash,
		"solc": []byte{0, 8, 19},
	})
	require.NoError(t, err)

	hashes, err := FromMetadataCborSection(encoded)
	require.NoError(t, err)
	require.Len(t, hashes, 1)
	assert.Equal(t, OriginIPFS, hashes[0].Origin)
	assert.True(t, bytes.Equal(ipfsHash, hashes[0].Hash))
}

func TestFromMetadataCborSection_Empty(t *testing.T) {
	encoded, err := cbor.Marshal(map[string]any{"solc": []byte{0, 8, 19}})
	require.NoError(t, err)

	hashes, err := FromMetadataCborSection(encoded)
	require.NoError(t, err)
	assert.Empty(t, hashes)
}

func TestFromMetadataCborSection_InvalidCbor(t *testing.T) {
	_, err := FromMetadataCborSection([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}
