package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BladeCKG/graph-node-go/internal/errs"
)

func newTestServer(t *testing.T, content map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hash := strings.TrimPrefix(req.URL.Path, "/ipfs/")
		body, ok := content[hash]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCatReturnsBytes(t *testing.T) {
	srv := newTestServer(t, map[string]string{"Qm1": "hello world"})
	r := New(Config{GatewayURL: srv.URL, FetchTimeout: time.Second, MaxBytes: 1024})

	got, err := r.Cat(context.Background(), "/ipfs/Qm1")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestCatNotFound(t *testing.T) {
	srv := newTestServer(t, map[string]string{})
	r := New(Config{GatewayURL: srv.URL, FetchTimeout: time.Second, MaxBytes: 1024})

	_, err := r.Cat(context.Background(), "/ipfs/missing")
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestCatTooLarge(t *testing.T) {
	srv := newTestServer(t, map[string]string{"big": strings.Repeat("x", 100)})
	r := New(Config{GatewayURL: srv.URL, FetchTimeout: time.Second, MaxBytes: 10})

	_, err := r.Cat(context.Background(), "/ipfs/big")
	require.Error(t, err)
	assert.Equal(t, errs.CodeTooLarge, errs.CodeOf(err))
}

func TestResolveManifestDereferencesNestedLinks(t *testing.T) {
	manifest := `
specVersion: "0.0.4"
schema:
  file: /ipfs/schema
dataSources:
  - kind: ethereum/contract
    name: ExampleDataSource
    network: mainnet
    source:
      address: "0xabc"
      abi: Example
    mapping:
      kind: ethereum/events
      apiVersion: "0.0.5"
      language: wasm/assemblyscript
      entities: [Token]
      abis:
        - name: Example
          file: /ipfs/abi
      eventHandlers:
        - event: Transfer(address,address,uint256)
          handler: handleTransfer
      file: /ipfs/runtime
`
	srv := newTestServer(t, map[string]string{
		"manifest": manifest,
		"schema":   "type Token @entity { id: ID! }",
		"runtime":  "\x00asm",
		"abi":      `[]`,
	})
	r := New(Config{GatewayURL: srv.URL, FetchTimeout: time.Second, MaxBytes: 1 << 20})

	m, err := r.ResolveManifest(context.Background(), "/ipfs/manifest")
	require.NoError(t, err)
	assert.Equal(t, "manifest", string(m.DeploymentID))
	assert.Equal(t, "type Token @entity { id: ID! }", string(m.Schema))
	require.Len(t, m.DataSources, 1)
	ds := m.DataSources[0]
	assert.Equal(t, "ExampleDataSource", ds.Name)
	assert.Equal(t, "\x00asm", string(ds.Mapping.RuntimeBlob))
	require.Len(t, ds.Mapping.EventHandlers, 1)
	assert.Equal(t, "handleTransfer", ds.Mapping.EventHandlers[0].HandlerName)
}

func TestResolveManifestRejectsMissingSchema(t *testing.T) {
	srv := newTestServer(t, map[string]string{"manifest": "specVersion: \"0.0.4\"\ndataSources: []\n"})
	r := New(Config{GatewayURL: srv.URL, FetchTimeout: time.Second, MaxBytes: 1 << 20})

	_, err := r.ResolveManifest(context.Background(), "/ipfs/manifest")
	require.Error(t, err)
	assert.Equal(t, errs.CodeParseError, errs.CodeOf(err))
}
