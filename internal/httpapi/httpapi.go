// Package httpapi wires the verification pipeline to its chi HTTP
// surface: stateless verification, session-staged verification, the
// etherscan-backed convenience endpoint, and read-only repository and
// chain-registry lookups.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lyfsn/sourcify/internal/chainregistry"
	"github.com/lyfsn/sourcify/internal/checker"
	"github.com/lyfsn/sourcify/internal/coordinator"
	"github.com/lyfsn/sourcify/internal/matchstore"
	"github.com/lyfsn/sourcify/internal/model"
	apierrors "github.com/lyfsn/sourcify/internal/pkg/errors"
	"github.com/lyfsn/sourcify/internal/pkg/response"
	"github.com/lyfsn/sourcify/internal/session"
)

// SourceProvider fetches verified source files for a deployed contract
// from an external block explorer. The concrete explorer client is an
// out-of-scope collaborator; Handler is wired with a stub by default.
type SourceProvider interface {
	FetchSources(ctx context.Context, chainID uint64, address string) (map[string][]byte, error)
}

// StubSourceProvider reports that etherscan-backed fetching is not
// configured. It exists so /verify/etherscan has somewhere real to call
// rather than being special-cased in the handler.
type StubSourceProvider struct{}

// FetchSources always fails: no explorer client is wired by default.
func (StubSourceProvider) FetchSources(_ context.Context, _ uint64, _ string) (map[string][]byte, error) {
	return nil, apierrors.ErrBadInput.WithMessage("no block explorer source provider is configured")
}

// Handler bundles the dependencies every route needs.
type Handler struct {
	checker  *checker.ContractChecker
	coord    *coordinator.VerificationCoordinator
	store    *matchstore.MatchStore
	stager   *session.Stager
	chains   chainregistry.Registry
	provider SourceProvider
	validate *validator.Validate
}

// New returns a Handler wired with every collaborator the routes need.
func New(c *checker.ContractChecker, coord *coordinator.VerificationCoordinator, store *matchstore.MatchStore, stager *session.Stager, chains chainregistry.Registry, provider SourceProvider) *Handler {
	if provider == nil {
		provider = StubSourceProvider{}
	}
	return &Handler{
		checker:  c,
		coord:    coord,
		store:    store,
		stager:   stager,
		chains:   chains,
		provider: provider,
		validate: validator.New(),
	}
}

// Routes mounts every handler onto a fresh chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/verify", h.Verify)
	r.Post("/verify/etherscan", h.VerifyEtherscan)
	r.Post("/session/input-files", h.SessionInputFiles)
	r.Post("/session/verify-contracts", h.SessionVerifyContracts)
	r.Get("/files/tree/{status}/{chainId}/{address}", h.FilesTree)
	r.Get("/health", h.Health)
	r.Get("/chains", h.Chains)

	return r
}

// decodeFiles turns the wire {name: contentOrBase64} shape into raw
// bytes, accepting either base64 or literal text per file.
func decodeFiles(raw map[string]string) map[string][]byte {
	files := make(map[string][]byte, len(raw))
	for name, content := range raw {
		if decoded, err := base64.StdEncoding.DecodeString(content); err == nil {
			files[name] = decoded
			continue
		}
		files[name] = []byte(content)
	}
	return files
}

// VerifyRequest is the body of POST /verify.
type VerifyRequest struct {
	Address        string            `json:"address" validate:"required"`
	Chain          uint64            `json:"chain" validate:"required"`
	ChosenContract string            `json:"chosenContract,omitempty"`
	CreatorTxHash  string            `json:"creatorTxHash,omitempty"`
	Files          map[string]string `json:"files" validate:"required,min=1"`
}

// VerifyResult is one entry of POST /verify's result array.
type VerifyResult struct {
	Address          string            `json:"address"`
	ChainID          uint64            `json:"chainId"`
	Status           model.MatchStatus `json:"status"`
	StorageTimestamp int64             `json:"storageTimestamp,omitempty"`
	LibraryMap       map[string]string `json:"libraryMap,omitempty"`
	Message          string            `json:"message,omitempty"`
}

func toVerifyResult(m *model.Match) VerifyResult {
	status := m.RuntimeMatch
	if status == model.MatchNone {
		status = m.CreationMatch
	}
	return VerifyResult{
		Address:          m.Address,
		ChainID:          m.ChainID,
		Status:           status,
		StorageTimestamp: m.StorageTimestamp,
		LibraryMap:       m.LibraryMap,
		Message:          m.Message,
	}
}

// pickContract selects the one CheckedContract a /verify request names,
// disambiguating by ChosenContract (matched against the metadata's
// compilation target name) when more than one metadata file was found.
func pickContract(contracts []*model.CheckedContract, chosen string) (*model.CheckedContract, error) {
	if len(contracts) == 0 {
		return nil, apierrors.NewNotFoundError("no metadata file found among uploaded files")
	}
	if len(contracts) == 1 {
		return contracts[0], nil
	}
	if chosen == "" {
		return nil, apierrors.ErrBadInput.WithMessage("multiple contracts found in upload; chosenContract is required")
	}
	for _, c := range contracts {
		target, ok := c.Metadata.Target()
		if ok && (target.Contract == chosen || target.Path == chosen) {
			return c, nil
		}
	}
	return nil, apierrors.ErrBadInput.WithMessage("chosenContract does not match any uploaded metadata")
}

// Verify handles POST /verify: a stateless, one-shot verification of an
// uploaded contract against on-chain bytecode.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadInput.WithMessage("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierrors.ErrBadInput.WithMessage(err.Error()))
		return
	}

	files := decodeFiles(req.Files)
	contracts, _ := h.checker.CheckFiles(files)

	contract, err := pickContract(contracts, req.ChosenContract)
	if err != nil {
		response.Error(w, err)
		return
	}
	if !contract.Valid() {
		response.Error(w, apierrors.ErrBadInput.WithMessage("uploaded files do not resolve every declared source"))
		return
	}

	expanded := model.NewCheckedContract(contract.Metadata)
	for path, content := range files {
		expanded.AdoptSource(path, content)
	}

	match, err := h.coord.VerifyWithRecovery(r.Context(), contract, expanded, req.Chain, req.Address, req.CreatorTxHash)
	if err != nil {
		response.Error(w, err)
		return
	}

	if match.Verified() {
		if storeErr := h.store.Store(contract, match); storeErr != nil {
			match.Message = "verified but failed to persist: " + storeErr.Error()
		}
	}

	response.OK(w, map[string]any{"result": []VerifyResult{toVerifyResult(match)}})
}

// EtherscanRequest is the body of POST /verify/etherscan.
type EtherscanRequest struct {
	Address string `json:"address" validate:"required"`
	Chain   uint64 `json:"chain" validate:"required"`
}

// VerifyEtherscan handles POST /verify/etherscan: fetch sources from the
// configured SourceProvider, then run the same path as Verify.
func (h *Handler) VerifyEtherscan(w http.ResponseWriter, r *http.Request) {
	var req EtherscanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadInput.WithMessage("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierrors.ErrBadInput.WithMessage(err.Error()))
		return
	}

	files, err := h.provider.FetchSources(r.Context(), req.Chain, req.Address)
	if err != nil {
		response.Error(w, err)
		return
	}

	contracts, _ := h.checker.CheckFiles(files)
	contract, err := pickContract(contracts, "")
	if err != nil {
		response.Error(w, err)
		return
	}
	if !contract.Valid() {
		response.Error(w, apierrors.ErrBadInput.WithMessage("fetched sources do not resolve every declared source"))
		return
	}

	match, err := h.coord.VerifyDeployed(r.Context(), contract, req.Chain, req.Address, "")
	if err != nil {
		response.Error(w, err)
		return
	}
	if match.Verified() {
		if storeErr := h.store.Store(contract, match); storeErr != nil {
			match.Message = "verified but failed to persist: " + storeErr.Error()
		}
	}

	response.OK(w, map[string]any{"result": []VerifyResult{toVerifyResult(match)}})
}

// SessionInputFilesRequest is the body of POST /session/input-files.
type SessionInputFilesRequest struct {
	SessionID string            `json:"sessionId" validate:"required"`
	Files     map[string]string `json:"files" validate:"required,min=1"`
}

// SessionInputFiles handles POST /session/input-files: accumulate files
// into a staged session and return its current snapshot.
func (h *Handler) SessionInputFiles(w http.ResponseWriter, r *http.Request) {
	var req SessionInputFilesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadInput.WithMessage("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierrors.ErrBadInput.WithMessage(err.Error()))
		return
	}

	if err := h.stager.AddFiles(r.Context(), req.SessionID, decodeFiles(req.Files)); err != nil {
		response.Error(w, err)
		return
	}

	h.respondSnapshot(w, r, req.SessionID)
}

// SessionVerifyContractsRequest is the body of POST /session/verify-contracts.
type SessionVerifyContractsRequest struct {
	SessionID string                              `json:"sessionId" validate:"required"`
	Contracts map[string]model.VerificationTarget `json:"contracts" validate:"required,min=1"`
}

// SessionVerifyContracts handles POST /session/verify-contracts: assigns
// deployment targets to staged contracts, attempts verification for
// every contract that is ready, and returns the resulting snapshot.
func (h *Handler) SessionVerifyContracts(w http.ResponseWriter, r *http.Request) {
	var req SessionVerifyContractsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadInput.WithMessage("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierrors.ErrBadInput.WithMessage(err.Error()))
		return
	}

	if err := h.stager.SetVerificationTargets(r.Context(), req.SessionID, req.Contracts); err != nil {
		response.Error(w, err)
		return
	}

	if _, err := h.stager.VerifyReady(r.Context(), req.SessionID); err != nil {
		response.Error(w, err)
		return
	}

	h.respondSnapshot(w, r, req.SessionID)
}

func (h *Handler) respondSnapshot(w http.ResponseWriter, r *http.Request, sessionID string) {
	statuses, unused, err := h.stager.Snapshot(r.Context(), sessionID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]any{
		"contracts":     statuses,
		"unusedSources": unused,
	})
}

// statusDirs maps the wire status filter to matchstore's partition name,
// "" meaning "any" (full_match checked first).
var statusDirs = map[string]string{
	"any":     "",
	"full":    "full_match",
	"partial": "partial_match",
}

// FilesTree handles GET /files/tree/{status}/{chainId}/{address}.
func (h *Handler) FilesTree(w http.ResponseWriter, r *http.Request) {
	status, ok := statusDirs[chi.URLParam(r, "status")]
	if !ok {
		response.Error(w, apierrors.ErrBadInput.WithMessage("status must be one of any, full, partial"))
		return
	}
	chainID, err := strconv.ParseUint(chi.URLParam(r, "chainId"), 10, 64)
	if err != nil {
		response.Error(w, apierrors.ErrBadInput.WithMessage("invalid chainId"))
		return
	}
	address := chi.URLParam(r, "address")

	files, found := h.store.Files(status, chainID, address)
	if !found {
		response.NotFound(w, "contract")
		return
	}
	response.OK(w, map[string]any{"files": files})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]string{"status": "ok"})
}

// chainResponse omits ExplorerAPIKey: /chains is a public endpoint.
type chainResponse struct {
	ChainID        uint64 `json:"chainId"`
	Name           string `json:"name"`
	RPCURL         string `json:"rpcUrl"`
	ExplorerAPIURL string `json:"explorerApiUrl,omitempty"`
}

// Chains handles GET /chains: the registered chains, read from the
// Postgres-backed chain registry.
func (h *Handler) Chains(w http.ResponseWriter, r *http.Request) {
	chains, err := h.chains.List(r.Context())
	if err != nil {
		response.Error(w, err)
		return
	}
	out := make([]chainResponse, len(chains))
	for i, c := range chains {
		out[i] = chainResponse{ChainID: c.ChainID, Name: c.Name, RPCURL: c.RPCURL, ExplorerAPIURL: c.ExplorerAPIURL}
	}
	response.OK(w, out)
}
