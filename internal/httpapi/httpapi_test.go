package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lyfsn/sourcify/internal/chainregistry"
	"github.com/lyfsn/sourcify/internal/checker"
	"github.com/lyfsn/sourcify/internal/coordinator"
	"github.com/lyfsn/sourcify/internal/matchstore"
	"github.com/lyfsn/sourcify/internal/session"
)

// fakeKV is an in-memory keyValueStore fake, structurally satisfying the
// unexported interface session.New expects.
type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeKV() *fakeKV { return &fakeKV{data: make(map[string]string)} }

func (f *fakeKV) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return "", assert.AnError
	}
	return v, nil
}

func (f *fakeKV) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return nil
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	store, err := matchstore.New(t.TempDir())
	require.NoError(t, err)

	c := checker.New()
	coord := coordinator.New(coordinator.NewChainClients(), nil)
	stager := session.New(newFakeKV(), c, coord, store, 50*1024*1024, 30*time.Minute)

	return New(c, coord, store, stager, new(chainregistry.MockRegistry), nil)
}

func doRequest(h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	var reqBody bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&reqBody).Encode(body)
	}
	req := httptest.NewRequest(method, target, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(h.Routes(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChains_ListsFromRegistry(t *testing.T) {
	store, err := matchstore.New(t.TempDir())
	require.NoError(t, err)
	c := checker.New()
	coord := coordinator.New(coordinator.NewChainClients(), nil)
	stager := session.New(newFakeKV(), c, coord, store, 50*1024*1024, 30*time.Minute)

	mockRegistry := new(chainregistry.MockRegistry)
	mockRegistry.On("List", mock.Anything).Return([]*chainregistry.Chain{
		{ChainID: 1, Name: "mainnet", RPCURL: "https://rpc.example/1"},
	}, nil)

	h := New(c, coord, store, stager, mockRegistry, nil)
	rec := doRequest(h.Routes(), http.MethodGet, "/chains", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mainnet")
}

func TestVerify_RejectsMissingFields(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(h.Routes(), http.MethodPost, "/verify", VerifyRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerify_RejectsUploadWithNoMetadata(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(h.Routes(), http.MethodPost, "/verify", VerifyRequest{
		Address: "0xAbC",
		Chain:   1,
		Files:   map[string]string{"contracts/C.sol": "contract C {}"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFilesTree_RejectsUnknownStatus(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(h.Routes(), http.MethodGet, "/files/tree/bogus/1/0xAbC", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFilesTree_NotFound(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(h.Routes(), http.MethodGet, "/files/tree/any/1/0xNotThere", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionInputFiles_ReturnsSnapshot(t *testing.T) {
	h := newTestHandler(t)
	rec := doRequest(h.Routes(), http.MethodPost, "/session/input-files", SessionInputFilesRequest{
		SessionID: "sess-1",
		Files:     map[string]string{"contracts/C.sol": "contract C {}"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "unusedSources")
}
