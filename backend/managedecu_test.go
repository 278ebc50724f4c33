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

func newTestManagedECU(t *testing.T, cfg sovdconfig.ManagedECUConfig, handler http.HandlerFunc) *ManagedECUBackend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg.UpstreamURL = srv.URL
	proxy := NewProxyBackend(sovdconfig.ProxyConfig{ID: cfg.ID, BaseURL: srv.URL})
	m, err := NewManagedECUBackend(cfg, proxy)
	require.NoError(t, err)
	return m
}

func TestManagedECUReceivePackageRequiresProgrammingSession(t *testing.T) {
	m := newTestManagedECU(t, sovdconfig.ManagedECUConfig{ID: "engine"}, func(w http.ResponseWriter, r *http.Request) {})

	_, err := m.ReceivePackage(context.Background(), make([]byte, 32))
	require.Error(t, err)
	var sessionErr *sovderr.SessionRequired
	assert.ErrorAs(t, err, &sessionErr)
}

func TestManagedECUReceivePackageSucceedsInProgrammingSession(t *testing.T) {
	m := newTestManagedECU(t, sovdconfig.ManagedECUConfig{ID: "engine"}, func(w http.ResponseWriter, r *http.Request) {})

	_, err := m.SetSessionMode(context.Background(), "programming")
	require.NoError(t, err)

	id, err := m.ReceivePackage(context.Background(), make([]byte, 32))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	pkgs, err := m.ListPackages(context.Background())
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, PackagePending, pkgs[0].Status)
}

func TestManagedECUReceivePackageRejectsTinyPayload(t *testing.T) {
	m := newTestManagedECU(t, sovdconfig.ManagedECUConfig{ID: "engine"}, func(w http.ResponseWriter, r *http.Request) {})
	_, err := m.SetSessionMode(context.Background(), "programming")
	require.NoError(t, err)

	_, err = m.ReceivePackage(context.Background(), []byte{0x01, 0x02})
	require.Error(t, err)
}

func TestManagedECUVerifyPackageMarksGarbageInvalid(t *testing.T) {
	m := newTestManagedECU(t, sovdconfig.ManagedECUConfig{ID: "engine"}, func(w http.ResponseWriter, r *http.Request) {})
	_, err := m.SetSessionMode(context.Background(), "programming")
	require.NoError(t, err)

	id, err := m.ReceivePackage(context.Background(), make([]byte, 64))
	require.NoError(t, err)

	result, err := m.VerifyPackage(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, result.Valid)

	pkg, err := m.GetPackage(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, PackageInvalid, pkg.Status)
}

func TestManagedECUDeletePackageRemovesIt(t *testing.T) {
	m := newTestManagedECU(t, sovdconfig.ManagedECUConfig{ID: "engine"}, func(w http.ResponseWriter, r *http.Request) {})
	_, err := m.SetSessionMode(context.Background(), "programming")
	require.NoError(t, err)

	id, err := m.ReceivePackage(context.Background(), make([]byte, 32))
	require.NoError(t, err)

	require.NoError(t, m.DeletePackage(context.Background(), id))
	_, err = m.GetPackage(context.Background(), id)
	require.Error(t, err)
}

func TestManagedECUStartFlashRequiresVerifiedPackage(t *testing.T) {
	m := newTestManagedECU(t, sovdconfig.ManagedECUConfig{ID: "engine"}, func(w http.ResponseWriter, r *http.Request) {})
	_, err := m.SetSessionMode(context.Background(), "programming")
	require.NoError(t, err)

	id, err := m.ReceivePackage(context.Background(), make([]byte, 32))
	require.NoError(t, err)

	_, err = m.StartFlash(context.Background(), id)
	require.Error(t, err)
}

func TestManagedECUSetSecurityModeAlwaysRejected(t *testing.T) {
	m := newTestManagedECU(t, sovdconfig.ManagedECUConfig{ID: "engine"}, func(w http.ResponseWriter, r *http.Request) {})
	_, err := m.SetSecurityMode(context.Background(), "level1", []byte{0x01})
	require.Error(t, err)
	var notSupported *sovderr.NotSupported
	assert.ErrorAs(t, err, &notSupported)
}

func TestManagedECUListParametersUsesWhitelistWhenConfigured(t *testing.T) {
	cfg := sovdconfig.ManagedECUConfig{
		ID: "engine",
		Parameters: []sovdconfig.ParameterDef{
			{ID: "vin", Name: "VIN", DID: "F190", Writable: false},
		},
	}
	m := newTestManagedECU(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("whitelist configured, proxy must not be consulted")
	})

	params, err := m.ListParameters(context.Background())
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, "vin", params[0].ID)
	assert.True(t, params[0].ReadOnly)
	require.NotNil(t, params[0].DID)
	assert.Equal(t, uint16(0xF190), *params[0].DID)
}

func TestManagedECUListParametersFallsBackToProxyWhenNoWhitelist(t *testing.T) {
	called := false
	m := newTestManagedECU(t, sovdconfig.ManagedECUConfig{ID: "engine"}, func(w http.ResponseWriter, r *http.Request) {
		called = true
		json.NewEncoder(w).Encode(map[string]interface{}{"items": []map[string]string{}})
	})

	_, err := m.ListParameters(context.Background())
	require.NoError(t, err)
	assert.True(t, called)
}

func TestManagedECUSessionModeTransitionsResetProxySessionOnDefault(t *testing.T) {
	var sawDefaultTransition bool
	m := newTestManagedECU(t, sovdconfig.ManagedECUConfig{ID: "engine"}, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			if body["value"] == "default" {
				sawDefaultTransition = true
			}
		}
		json.NewEncoder(w).Encode(map[string]string{"value": "default"})
	})

	_, err := m.SetSessionMode(context.Background(), "programming")
	require.NoError(t, err)
	mode, err := m.GetSessionMode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "programming", mode.Session)

	_, err = m.SetSessionMode(context.Background(), "default")
	require.NoError(t, err)
	assert.True(t, sawDefaultTransition)
}

func TestManagedECUSetSessionModeRejectsUnknownName(t *testing.T) {
	m := newTestManagedECU(t, sovdconfig.ManagedECUConfig{ID: "engine"}, func(w http.ResponseWriter, r *http.Request) {})
	_, err := m.SetSessionMode(context.Background(), "banana")
	require.Error(t, err)
}
