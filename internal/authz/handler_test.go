package authz

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*engineFixture, *httptest.Server) {
	t.Helper()
	fx := newEngineFixture(t)
	handler := NewHandler(fx.engine, testLogger())
	router := chi.NewRouter()
	router.Route("/v1/authz", handler.MountRoutes)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return fx, server
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCheckEndpoint(t *testing.T) {
	_, server := newTestServer(t)

	resp := postJSON(t, server.URL+"/v1/authz/check", map[string]any{
		"principal_id": "u1",
		"tenant_id":    "t1",
		"permission":   "read_docs",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[checkResponse](t, resp)
	require.True(t, body.Granted)
	require.Equal(t, "read_docs", body.Permission)
	require.False(t, body.CheckedAt.IsZero())
}

func TestCheckEndpointDenialCarriesReasons(t *testing.T) {
	_, server := newTestServer(t)

	resp := postJSON(t, server.URL+"/v1/authz/check", map[string]any{
		"principal_id": "u1",
		"tenant_id":    "t1",
		"permission":   "manage_users",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[checkResponse](t, resp)
	require.False(t, body.Granted)
	require.True(t, body.Blocked)
	require.Contains(t, body.Reasons, ReasonAdminPermission)
	require.Len(t, body.Attempts, 1)
}

func TestCheckEndpointRejectsMissingFields(t *testing.T) {
	_, server := newTestServer(t)

	resp := postJSON(t, server.URL+"/v1/authz/check", map[string]any{
		"principal_id": "u1",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCheckEndpointRejectsMalformedJSON(t *testing.T) {
	_, server := newTestServer(t)

	resp, err := http.Post(server.URL+"/v1/authz/check", "application/json", bytes.NewReader([]byte("{oops")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCheckBatchEndpoint(t *testing.T) {
	_, server := newTestServer(t)

	resp := postJSON(t, server.URL+"/v1/authz/check-batch", map[string]any{
		"principal_id": "u1",
		"tenant_id":    "t1",
		"permissions":  []string{"read_docs", "write_docs"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[struct {
		Results map[string]bool `json:"results"`
	}](t, resp)
	require.Equal(t, map[string]bool{"read_docs": true, "write_docs": false}, body.Results)
}

func TestCheckBatchEndpointRequiresPermissions(t *testing.T) {
	_, server := newTestServer(t)

	resp := postJSON(t, server.URL+"/v1/authz/check-batch", map[string]any{
		"principal_id": "u1",
		"tenant_id":    "t1",
		"permissions":  []string{},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInvalidateEndpoints(t *testing.T) {
	fx, server := newTestServer(t)
	seed := func() {
		resp := postJSON(t, server.URL+"/v1/authz/check", map[string]any{
			"principal_id": "u1",
			"tenant_id":    "t1",
			"permission":   "read_docs",
		})
		resp.Body.Close()
	}

	seed()
	resp := postJSON(t, server.URL+"/v1/authz/invalidate/user", map[string]any{
		"user_id": "u1", "tenant_id": "t1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, decodeBody[map[string]int](t, resp)["removed"])

	seed()
	resp = postJSON(t, server.URL+"/v1/authz/invalidate/tenant", map[string]any{"tenant_id": "t1"})
	require.Equal(t, 1, decodeBody[map[string]int](t, resp)["removed"])

	seed()
	resp = postJSON(t, server.URL+"/v1/authz/invalidate/permission", map[string]any{"permission": "read_docs"})
	require.Equal(t, 1, decodeBody[map[string]int](t, resp)["removed"])

	seed()
	resp = postJSON(t, server.URL+"/v1/authz/invalidate/all", nil)
	require.Equal(t, 1, decodeBody[map[string]int](t, resp)["removed"])
	require.Equal(t, 0, fx.cache.Stats().Size)
}

func TestStatsEndpoints(t *testing.T) {
	_, server := newTestServer(t)

	resp := postJSON(t, server.URL+"/v1/authz/check", map[string]any{
		"principal_id": "u1", "tenant_id": "t1", "permission": "read_docs",
	})
	resp.Body.Close()

	resp, err := http.Get(server.URL + "/v1/authz/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decodeBody[EngineStats](t, resp)
	require.Equal(t, uint64(1), stats.Cache.Misses)
	require.True(t, stats.Security.EnforcementEnabled)

	resp, err = http.Get(server.URL + "/v1/authz/security/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	security := decodeBody[SecurityStats](t, resp)
	require.Equal(t, uint64(0), security.TotalAttempts)
}

func TestEnforcementEndpoint(t *testing.T) {
	fx, server := newTestServer(t)

	resp := postJSON(t, server.URL+"/v1/authz/security/enforcement", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.False(t, fx.enforcer.Enabled())

	// The enabled flag is required, not defaulted: an empty body is an
	// error rather than a silent disable.
	resp = postJSON(t, server.URL+"/v1/authz/security/enforcement", map[string]any{})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClearBlocksEndpoint(t *testing.T) {
	fx, server := newTestServer(t)

	resp := postJSON(t, server.URL+"/v1/authz/check", map[string]any{
		"principal_id": "u1", "tenant_id": "t1", "permission": "manage_users",
	})
	resp.Body.Close()
	require.True(t, fx.enforcer.IsBlocked(UserSubject("u1")))

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/v1/authz/security/blocks", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, decodeBody[map[string]int](t, resp)["cleared"])
	require.False(t, fx.enforcer.IsBlocked(UserSubject("u1")))
}
