package proofserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaifufi/airdrop-market-sdk-go/merkle"
)

var whitelist = []common.Address{
	common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
	common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"),
	common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906"),
}

func newTestServer(t *testing.T) (*Server, *merkle.Tree) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	tree, err := merkle.NewTree(whitelist)
	require.NoError(t, err)
	return New(tree, nil), tree
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestProof(t *testing.T) {
	s, tree := newTestServer(t)

	w := get(t, s, "/proof/"+strings.ToLower(whitelist[1].Hex()))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	var resp ProofResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, whitelist[1].Hex(), resp.Address)
	assert.Equal(t, tree.Root().Hex(), resp.Root)
	assert.Equal(t, merkle.LeafHash(whitelist[1]).Hex(), resp.Leaf)

	proof, err := merkle.ParseHexProof(resp.Proof)
	require.NoError(t, err)
	assert.True(t, merkle.Verify(tree.Root(), whitelist[1], proof))
}

func TestProofErrors(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		path string
		code int
	}{
		{"invalid address", "/proof/0x1234", http.StatusBadRequest},
		{"not whitelisted", "/proof/0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, s, tt.path)
			assert.Equal(t, tt.code, w.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestRootAndHealth(t *testing.T) {
	s, tree := newTestServer(t)

	w := get(t, s, "/root")
	require.Equal(t, http.StatusOK, w.Code)
	var resp RootResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, tree.Root().Hex(), resp.Root)
	assert.Equal(t, 3, resp.Count)
	assert.Len(t, resp.Entries, 3)

	w = get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestSetTree(t *testing.T) {
	s, _ := newTestServer(t)

	rotated, err := merkle.NewTree(whitelist[:1])
	require.NoError(t, err)
	s.SetTree(rotated)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/proof/"+whitelist[2].Hex()).Code)

	w := get(t, s, "/proof/"+whitelist[0].Hex())
	require.Equal(t, http.StatusOK, w.Code)
	var resp ProofResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, rotated.Root().Hex(), resp.Root)
	assert.Empty(t, resp.Proof)
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tree, err := merkle.NewTree(whitelist)
	require.NoError(t, err)
	s := New(tree, nil, "http://localhost:3000")

	req := httptest.NewRequest(http.MethodGet, "/root", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/root", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
