package compiler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/lyfsn/sourcify/internal/pkg/errors"
)

func TestRemoteDriver_Compile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Version string             `json:"version"`
			Input   StandardJSONInput `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "0.8.21", req.Version)

		out := StandardJSONOutput{
			Contracts: map[string]map[string]ContractOutput{
				"C.sol": {
					"C": {
						EVM: EVMOutput{
							Bytecode:         BytecodeOutput{Object: "6001"},
							DeployedBytecode: DeployedBytecodeOutput{Object: "6002"},
						},
					},
				},
			},
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	d := NewRemoteDriver(srv.URL, 5*time.Second)
	out, err := d.Compile(context.Background(), "0.8.21", StandardJSONInput{Language: "Solidity"})
	require.NoError(t, err)

	contract, err := ContractFor(out, "C.sol", "C")
	require.NoError(t, err)
	assert.Equal(t, "6001", contract.EVM.Bytecode.Object)
}

func TestRemoteDriver_FatalCompilerErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := StandardJSONOutput{
			Errors: []CompilerError{{Severity: "error", FormattedMessage: "syntax error"}},
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	d := NewRemoteDriver(srv.URL, 5*time.Second)
	_, err := d.Compile(context.Background(), "0.8.21", StandardJSONInput{})
	require.Error(t, err)
	apiErr := apierrors.AsAPIError(err)
	assert.Equal(t, "compiler-error", apiErr.Code)
}

func TestRemoteDriver_ServerUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewRemoteDriver(srv.URL, 5*time.Second)
	_, err := d.Compile(context.Background(), "0.8.21", StandardJSONInput{})
	require.Error(t, err)
	apiErr := apierrors.AsAPIError(err)
	assert.Equal(t, "compiler-unavailable", apiErr.Code)
}

func TestContractFor_MissingTarget(t *testing.T) {
	out := &StandardJSONOutput{Contracts: map[string]map[string]ContractOutput{}}
	_, err := ContractFor(out, "C.sol", "C")
	require.Error(t, err)
	apiErr := apierrors.AsAPIError(err)
	assert.Equal(t, "compiler-error", apiErr.Code)
}

func TestLocalDriver_UnavailableBinary(t *testing.T) {
	d := NewLocalDriver(t.TempDir(), 5*time.Second)
	_, err := d.Compile(context.Background(), "0.8.99", StandardJSONInput{})
	require.Error(t, err)
	apiErr := apierrors.AsAPIError(err)
	assert.Equal(t, "compiler-unavailable", apiErr.Code)
}
