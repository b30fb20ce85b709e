// Package compiler provides the CompilerDriver capability: an opaque
// compile(version, standardJsonInput) -> standardJsonOutput function with
// interchangeable local-process and remote implementations.
package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"path/filepath"
	"time"

	apierrors "github.com/lyfsn/sourcify/internal/pkg/errors"
)

// StandardJSONInput is the solc standard-json compiler input.
type StandardJSONInput struct {
	Language string                      `json:"language"`
	Sources  map[string]StandardJSONFile `json:"sources"`
	Settings StandardJSONSettings        `json:"settings"`
}

// StandardJSONFile wraps one source's content for standard-json input.
type StandardJSONFile struct {
	Content string `json:"content"`
}

// StandardJSONSettings carries the compiler settings plus a forced
// outputSelection that always asks for the fields the matcher needs.
type StandardJSONSettings struct {
	EVMVersion      string                          `json:"evmVersion,omitempty"`
	Optimizer       StandardJSONOptimizer           `json:"optimizer"`
	Libraries       map[string]map[string]string    `json:"libraries,omitempty"`
	OutputSelection map[string]map[string][]string `json:"outputSelection"`
}

// StandardJSONOptimizer mirrors solc's optimizer settings block.
type StandardJSONOptimizer struct {
	Enabled bool `json:"enabled"`
	Runs    int  `json:"runs"`
}

// ForcedOutputSelection is the outputSelection every compile request
// uses: the matcher needs bytecode, deployed bytecode, and both link
// reference maps for every contract in every file.
func ForcedOutputSelection() map[string]map[string][]string {
	return map[string]map[string][]string{
		"*": {
			"*": []string{
				"evm.bytecode.object",
				"evm.bytecode.linkReferences",
				"evm.deployedBytecode.object",
				"evm.deployedBytecode.linkReferences",
				"evm.deployedBytecode.immutableReferences",
				"abi",
			},
		},
	}
}

// StandardJSONOutput is the subset of solc standard-json output the
// matcher needs.
type StandardJSONOutput struct {
	Errors    []CompilerError                       `json:"errors,omitempty"`
	Contracts map[string]map[string]ContractOutput `json:"contracts"`
}

// CompilerError is one entry of solc's "errors" array.
type CompilerError struct {
	Severity        string `json:"severity"`
	FormattedMessage string `json:"formattedMessage"`
}

// Fatal reports whether this error has severity "error" (as opposed to a
// non-fatal warning, which is ignored).
func (e CompilerError) Fatal() bool { return e.Severity == "error" }

// ContractOutput is one compiled contract's ABI plus bytecode.
type ContractOutput struct {
	ABI json.RawMessage `json:"abi"`
	EVM EVMOutput       `json:"evm"`
}

// EVMOutput holds the bytecode and link/immutable reference maps for one
// compiled contract.
type EVMOutput struct {
	Bytecode         BytecodeOutput         `json:"bytecode"`
	DeployedBytecode DeployedBytecodeOutput `json:"deployedBytecode"`
}

// BytecodeOutput is the creation-side compiled bytecode.
type BytecodeOutput struct {
	Object         string                                 `json:"object"`
	LinkReferences map[string]map[string][]LinkReference `json:"linkReferences,omitempty"`
}

// DeployedBytecodeOutput is the runtime-side compiled bytecode.
type DeployedBytecodeOutput struct {
	Object              string                                    `json:"object"`
	LinkReferences      map[string]map[string][]LinkReference    `json:"linkReferences,omitempty"`
	ImmutableReferences map[string][]LinkReference               `json:"immutableReferences,omitempty"`
}

// LinkReference is a byte offset/length pair as emitted by solc for both
// link references and immutable references.
type LinkReference struct {
	Start  int `json:"start"`
	Length int `json:"length"`
}

// Driver is the CompilerDriver capability.
type Driver interface {
	Compile(ctx context.Context, version string, input StandardJSONInput) (*StandardJSONOutput, error)
}

// LocalDriver invokes a solc binary resolved from a configured directory
// of versioned binaries, one process per compile.
type LocalDriver struct {
	binDir  string
	timeout time.Duration
}

// NewLocalDriver returns a LocalDriver that resolves solc binaries under
// binDir, named by exact version (e.g. "<binDir>/solc-0.8.21").
func NewLocalDriver(binDir string, timeout time.Duration) *LocalDriver {
	return &LocalDriver{binDir: binDir, timeout: timeout}
}

func (d *LocalDriver) binaryPath(version string) string {
	return filepath.Join(d.binDir, "solc-"+version)
}

// Compile runs the resolved solc binary with --standard-json, piping
// input on stdin and parsing output from stdout.
func (d *LocalDriver) Compile(ctx context.Context, version string, input StandardJSONInput) (*StandardJSONOutput, error) {
	binPath := d.binaryPath(version)
	if _, err := exec.LookPath(binPath); err != nil {
		return nil, apierrors.ErrCompilerUnavailable.WithMessage(fmt.Sprintf("solc %s not installed", version))
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	inputBytes, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal standard json input: %w", err)
	}

	cmd := exec.CommandContext(ctx, binPath, "--standard-json")
	cmd.Stdin = bytes.NewReader(inputBytes)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, apierrors.ErrCompilerUnavailable.WithMessage(stderr.String())
	}

	return parseStandardJSONOutput(stdout.Bytes())
}

// RemoteDriver invokes a compiler exposed as a remote function (e.g. an
// AWS Lambda fronted by an HTTP endpoint), POSTing standard-json input
// and parsing the response body as standard-json output.
type RemoteDriver struct {
	client  *http.Client
	baseURL string
}

// NewRemoteDriver returns a RemoteDriver posting to baseURL.
func NewRemoteDriver(baseURL string, timeout time.Duration) *RemoteDriver {
	return &RemoteDriver{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Compile POSTs {version, input} to the configured lambda endpoint.
func (d *RemoteDriver) Compile(ctx context.Context, version string, input StandardJSONInput) (*StandardJSONOutput, error) {
	payload, err := json.Marshal(struct {
		Version string             `json:"version"`
		Input   StandardJSONInput  `json:"input"`
	}{Version: version, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal remote compile request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, apierrors.ErrCompilerUnavailable.WithMessage(err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, apierrors.ErrCompilerUnavailable.WithMessage(fmt.Sprintf("remote compiler responded %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, apierrors.ErrCompilerError.WithMessage(fmt.Sprintf("remote compiler responded %d", resp.StatusCode))
	}

	body := &bytes.Buffer{}
	if _, err := body.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return parseStandardJSONOutput(body.Bytes())
}

func parseStandardJSONOutput(raw []byte) (*StandardJSONOutput, error) {
	var out StandardJSONOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apierrors.ErrCompilerError.WithMessage("unparseable compiler output")
	}
	for _, e := range out.Errors {
		if e.Fatal() {
			return &out, apierrors.ErrCompilerError.WithMessage(e.FormattedMessage)
		}
	}
	return &out, nil
}

// ContractFor looks up a single contract's output by path and name,
// failing compiler-error if nothing was produced for that target.
func ContractFor(out *StandardJSONOutput, path, name string) (ContractOutput, error) {
	byName, ok := out.Contracts[path]
	if !ok {
		return ContractOutput{}, apierrors.ErrCompilerError.WithMessage(fmt.Sprintf("no output for file %q", path))
	}
	contract, ok := byName[name]
	if !ok {
		return ContractOutput{}, apierrors.ErrCompilerError.WithMessage(fmt.Sprintf("no output for contract %q in %q", name, path))
	}
	return contract, nil
}
