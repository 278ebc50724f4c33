package ota_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sovdgw/ota"
)

func TestClientPathShapes(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ota.UploadResponse{UploadID: "u1"})
	}))
	defer srv.Close()

	plain := ota.NewClient(ota.Config{BaseURL: srv.URL})
	_, err := plain.UploadFile(context.Background(), []byte("fw"))
	require.NoError(t, err)
	assert.Equal(t, "/flash/upload", gotPath)

	component := ota.ForSOVD(srv.URL, "engine")
	_, err = component.UploadFile(context.Background(), []byte("fw"))
	require.NoError(t, err)
	assert.Equal(t, "/vehicle/v1/components/engine/flash/upload", gotPath)

	subEntity := ota.ForSOVDSubEntity(srv.URL, "gateway", "engine")
	_, err = subEntity.UploadFile(context.Background(), []byte("fw"))
	require.NoError(t, err)
	assert.Equal(t, "/vehicle/v1/components/gateway/apps/engine/flash/upload", gotPath)
}

func TestClientUploadFileSendsRawOctetStream(t *testing.T) {
	image := []byte{0x00, 0xFF, 0x80, 0x81, 0xC0, 0x00, 0x45, 0x58}

	var gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(ota.UploadResponse{UploadID: "u1"})
	}))
	defer srv.Close()

	client := ota.NewClient(ota.Config{BaseURL: srv.URL})
	_, err := client.UploadFile(context.Background(), image)
	require.NoError(t, err)

	assert.Equal(t, "application/octet-stream", gotContentType)
	assert.Equal(t, image, gotBody)
}

func TestClientSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(ota.UploadResponse{UploadID: "u1"})
	}))
	defer srv.Close()

	client := ota.NewClient(ota.Config{BaseURL: srv.URL, BearerToken: "tok123"})
	_, err := client.UploadFile(context.Background(), []byte("fw"))
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok123", gotAuth)
}

func TestClientPropagatesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	client := ota.NewClient(ota.Config{BaseURL: srv.URL})
	_, err := client.UploadFile(context.Background(), []byte("fw"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream exploded")
}

func TestGetFlashStatusMapsProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "t1",
			"file_id": "f1",
			"state":   "transferring",
			"progress": map[string]interface{}{
				"bytes_acknowledged": 512,
				"blocks_transferred": 2,
				"blocks_total":       4,
				"percent":            50.0,
			},
		})
	}))
	defer srv.Close()

	client := ota.NewClient(ota.Config{BaseURL: srv.URL})
	status, err := client.GetFlashStatus(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, ota.Transferring, status.State)
	require.NotNil(t, status.Progress)
	assert.Equal(t, uint32(2), status.Progress.BlocksTransferred)
	assert.Equal(t, uint32(4), status.Progress.BlocksTotal)
}

func TestParseFlashStateUnknownFallsBackToFailed(t *testing.T) {
	assert.Equal(t, ota.Failed, ota.ParseFlashState("something-weird"))
	assert.Equal(t, ota.AwaitingReset, ota.ParseFlashState("awaiting_reset"))
}
