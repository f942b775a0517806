package mcp

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestRegisterRoutes_MountsStreamableHTTPServer(t *testing.T) {
	b := newTestBridge(t)

	r := chi.NewRouter()
	RegisterRoutes(r, b, ServerInfo{}, "/mcp")

	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/mcp")
	require.NoError(t, err)
	defer resp.Body.Close()

	// The streamable HTTP server rejects a bare GET without the MCP
	// protocol handshake, but it must be mounted and reachable rather
	// than 404ing.
	require.NotEqual(t, http.StatusNotFound, resp.StatusCode)
}

func TestRegisterRoutes_DefaultsServerInfo(t *testing.T) {
	b := newTestBridge(t)
	r := chi.NewRouter()
	require.NotPanics(t, func() {
		RegisterRoutes(r, b, ServerInfo{Name: "", Version: ""}, "/mcp")
	})
}
