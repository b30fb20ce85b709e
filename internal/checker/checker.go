// Package checker partitions a heterogeneous file upload into metadata
// files and candidate sources, then resolves each metadata's declared
// sources against the uploaded bytes by keccak256.
package checker

import (
	"bytes"
	"encoding/json"

	"github.com/lyfsn/sourcify/internal/model"
)

// metadataShape is checked structurally: any file whose top level has
// all four of these keys is treated as a metadata file.
type metadataShape struct {
	Language string          `json:"language"`
	Compiler json.RawMessage `json:"compiler"`
	Settings json.RawMessage `json:"settings"`
	Sources  json.RawMessage `json:"sources"`
}

func (m metadataShape) isMetadata() bool {
	return m.Language != "" && m.Compiler != nil && m.Settings != nil && m.Sources != nil
}

// ContractChecker builds CheckedContracts out of an unordered file
// upload.
type ContractChecker struct{}

// New returns a ContractChecker.
func New() *ContractChecker { return &ContractChecker{} }

// CheckFiles partitions files into metadata files and everything else,
// resolves each metadata's declared sources against the remaining
// bytes by keccak256, and returns one CheckedContract per metadata file
// plus the list of paths no contract claimed.
func (c *ContractChecker) CheckFiles(files map[string][]byte) ([]*model.CheckedContract, []string) {
	metadataPaths := make([]string, 0)
	metas := make(map[string]model.Metadata)

	for path, content := range files {
		var shape metadataShape
		if err := json.Unmarshal(content, &shape); err != nil || !shape.isMetadata() {
			continue
		}
		var meta model.Metadata
		if err := json.Unmarshal(content, &meta); err != nil {
			continue
		}
		meta.RawBytes = content
		metas[path] = meta
		metadataPaths = append(metadataPaths, path)
	}

	used := make(map[string]bool, len(metadataPaths))
	for _, p := range metadataPaths {
		used[p] = true
	}

	contracts := make([]*model.CheckedContract, 0, len(metadataPaths))
	for _, metaPath := range metadataPaths {
		meta := metas[metaPath]
		contract := model.NewCheckedContract(meta)

		for srcPath, entry := range meta.Sources {
			found := false
			for candPath, candBytes := range files {
				if bytes.Equal(model.Keccak256(candBytes), entry.Keccak256) {
					contract.AdoptSource(srcPath, candBytes)
					used[candPath] = true
					found = true
					break
				}
			}
			if !found {
				contract.Missing[srcPath] = "no uploaded file matches this source's keccak256"
			}
		}

		contracts = append(contracts, contract)
	}

	unused := make([]string, 0)
	for path := range files {
		if !used[path] {
			unused = append(unused, path)
		}
	}

	return contracts, unused
}
