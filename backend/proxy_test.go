package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sovdgw/sovdconfig"
	"sovdgw/sovderr"
)

func newTestProxy(t *testing.T, handler http.HandlerFunc) *ProxyBackend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewProxyBackend(sovdconfig.ProxyConfig{ID: "engine", Name: "Engine", BaseURL: srv.URL})
}

func TestProxyReadDataHitsExpectedPath(t *testing.T) {
	var gotPath string
	p := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]string{"id": "vin", "value": "1HGCM82633A004352"})
	})

	values, err := p.ReadData(context.Background(), []string{"vin"})
	require.NoError(t, err)
	assert.Equal(t, "/vehicle/v1/components/engine/data/vin", gotPath)
	require.Len(t, values, 1)
	assert.Equal(t, "1HGCM82633A004352", string(values[0].Value))
}

func TestProxySendsBearerTokenWhenConfigured(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]string{"value": "default"})
	}))
	defer srv.Close()

	p := NewProxyBackend(sovdconfig.ProxyConfig{ID: "engine", BaseURL: srv.URL, BearerToken: "tok"})
	_, err := p.GetSessionMode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestProxyMapsHTTPStatusToErrorTaxonomy(t *testing.T) {
	p := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})

	_, err := p.ReadData(context.Background(), []string{"vin"})
	require.Error(t, err)
	var notFound *sovderr.NotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestProxyMapsForbiddenToSecurityAccessDenied(t *testing.T) {
	p := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "locked", http.StatusForbidden)
	})

	_, err := p.GetSessionMode(context.Background())
	require.Error(t, err)
	var denied *sovderr.SecurityAccessDenied
	assert.ErrorAs(t, err, &denied)
}

func TestProxySubscribeDataIsUnsupported(t *testing.T) {
	p := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {})
	_, _, err := p.SubscribeData(context.Background(), []string{"vin"}, 1)
	require.Error(t, err)
	var notSupported *sovderr.NotSupported
	assert.ErrorAs(t, err, &notSupported)
}

func TestProxyClearFaultsDecodesSummary(t *testing.T) {
	p := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true, "cleared_count": 2, "message": "cleared",
		})
	})

	result, err := p.ClearFaults(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, uint32(2), result.ClearedCount)
}

func TestProxyListPackagesMapsWireStatus(t *testing.T) {
	p := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []map[string]interface{}{
				{"id": "p1", "status": "verified"},
				{"id": "p2", "status": "invalid"},
				{"id": "p3", "status": "something-else"},
			},
		})
	})

	items, err := p.ListPackages(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, PackageVerified, items[0].Status)
	assert.Equal(t, PackageInvalid, items[1].Status)
	assert.Equal(t, PackagePending, items[2].Status)
}
