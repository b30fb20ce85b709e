package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSourceEntry_ValidateContent(t *testing.T) {
	content := "contract C {}"
	digest := Keccak256([]byte(content))

	valid := SourceEntry{Keccak256: digest, Content: content}
	assert.True(t, valid.ValidateContent())

	mismatched := SourceEntry{Keccak256: []byte("not-the-digest-not-the-digest-x"), Content: content}
	assert.False(t, mismatched.ValidateContent())

	noContent := SourceEntry{Keccak256: digest}
	assert.True(t, noContent.ValidateContent())
}

func TestMetadata_Target(t *testing.T) {
	m := Metadata{
		Settings: MetadataSettings{
			CompilationTarget: map[string]string{"contracts/C.sol": "C"},
		},
	}
	target, ok := m.Target()
	assert.True(t, ok)
	assert.Equal(t, "contracts/C.sol", target.Path)
	assert.Equal(t, "C", target.Contract)

	ambiguous := Metadata{
		Settings: MetadataSettings{
			CompilationTarget: map[string]string{"a.sol": "A", "b.sol": "B"},
		},
	}
	_, ok = ambiguous.Target()
	assert.False(t, ok)
}

func TestNewCheckedContract_SeedsMissing(t *testing.T) {
	meta := Metadata{
		Sources: map[string]SourceEntry{
			"a.sol": {},
			"b.sol": {},
		},
	}
	c := NewCheckedContract(meta)
	assert.False(t, c.Valid())
	assert.Len(t, c.Missing, 2)

	c.AdoptSource("a.sol", []byte("x"))
	assert.Len(t, c.Missing, 1)
	assert.False(t, c.Valid())

	c.AdoptSource("b.sol", []byte("y"))
	assert.True(t, c.Valid())
}

func TestMatch_Quality(t *testing.T) {
	tests := []struct {
		name    string
		match   Match
		quality MatchQuality
		ok      bool
	}{
		{"perfect runtime", Match{RuntimeMatch: MatchPerfect}, QualityFull, true},
		{"partial runtime", Match{RuntimeMatch: MatchPartial}, QualityPartial, true},
		{"creation only perfect", Match{CreationMatch: MatchPerfect}, QualityFull, true},
		{"neither set", Match{}, "", false},
		{"extra file bug only", Match{RuntimeMatch: MatchExtraFileInputBug}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, ok := tt.match.Quality()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.quality, q)
		})
	}
}

func TestPendingContract_ResolveAndDone(t *testing.T) {
	meta := Metadata{
		Sources: map[string]SourceEntry{
			"a.sol": {},
			"b.sol": {},
		},
	}
	p := NewPendingContract("hash", "0xabc", 1, meta)
	assert.False(t, p.Done())

	p.Resolve("a.sol", SourceEntry{Content: "x"})
	assert.False(t, p.Done())
	assert.Len(t, p.FetchedSources, 1)

	p.Resolve("b.sol", SourceEntry{Content: "y"})
	assert.True(t, p.Done())
}
