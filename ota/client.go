// Package ota implements the Flash Client: an HTTP client driving
// the upload/verify/flash/exit/reset/commit/rollback pipeline against an
// upstream SOVD-speaking server, plus the gateway-side FlashState machine
// the managed-ECU backend exposes through GetFlashStatus/ActivationState.
package ota

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PathShape selects which of the three URL shapes the Flash Client speaks
// to the upstream with.
type PathShape int

const (
	// ShapePlain addresses a bare upstream at "/flash/...".
	ShapePlain PathShape = iota
	// ShapeComponent addresses a SOVD component at
	// "/vehicle/v1/components/<id>/flash/...".
	ShapeComponent
	// ShapeSubEntity addresses a sub-entity under a gateway at
	// "/vehicle/v1/components/<gw>/apps/<id>/flash/...".
	ShapeSubEntity
)

// Config configures a Client's upstream address and HTTP behaviour.
type Config struct {
	BaseURL       string
	Shape         PathShape
	ComponentID   string
	GatewayID     string
	BearerToken   string
	PollInterval  time.Duration
	UploadTimeout time.Duration
	HTTPClient    *http.Client
}

// Client is the Flash Client: HTTP calls against an upstream SOVD
// server's flash endpoints, with path resolution for plain-component and
// sub-entity URL shapes.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient builds a Flash Client. PollInterval/UploadTimeout default to
// 0.5s and 5 minutes respectively when unset, per the concurrency model's
// named timeouts.
func NewClient(cfg Config) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 5 * time.Minute
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.UploadTimeout}
	}
	return &Client{cfg: cfg, http: httpClient}
}

// ForSOVD builds a Client addressing a plain SOVD component.
func ForSOVD(baseURL, componentID string) *Client {
	return NewClient(Config{BaseURL: baseURL, Shape: ShapeComponent, ComponentID: componentID})
}

// ForSOVDSubEntity builds a Client addressing a sub-entity (e.g. a
// managed ECU) nested under a gateway component.
func ForSOVDSubEntity(baseURL, gatewayID, componentID string) *Client {
	return NewClient(Config{BaseURL: baseURL, Shape: ShapeSubEntity, GatewayID: gatewayID, ComponentID: componentID})
}

func (c *Client) path(suffix string) string {
	switch c.cfg.Shape {
	case ShapeComponent:
		return fmt.Sprintf("%s/vehicle/v1/components/%s/flash%s", c.cfg.BaseURL, c.cfg.ComponentID, suffix)
	case ShapeSubEntity:
		return fmt.Sprintf("%s/vehicle/v1/components/%s/apps/%s/flash%s", c.cfg.BaseURL, c.cfg.GatewayID, c.cfg.ComponentID, suffix)
	default:
		return fmt.Sprintf("%s/flash%s", c.cfg.BaseURL, suffix)
	}
}

func (c *Client) do(ctx context.Context, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ota: encoding request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("ota: building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.exchange(req, method, url, out)
}

// doRaw sends data verbatim as the request body with the given content
// type, bypassing JSON encoding entirely. Firmware images are arbitrary
// binary (SHA-256 digest bytes, random payload); JSON would corrupt
// invalid-UTF-8 bytes with the replacement character.
func (c *Client) doRaw(ctx context.Context, method, url, contentType string, data []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("ota: building request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	return c.exchange(req, method, url, out)
}

func (c *Client) exchange(req *http.Request, method, url string, out interface{}) error {
	if c.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ota: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ota: %s %s: upstream status %d: %s", method, url, resp.StatusCode, string(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ota: decoding response from %s: %w", url, err)
	}
	return nil
}

// UploadResponse is the upstream's reply to an upload request.
type UploadResponse struct {
	UploadID string `json:"upload_id"`
}

// UploadFile uploads raw firmware bytes and returns the upstream's
// assigned upload id. The body is shipped as application/octet-stream,
// not wrapped in JSON, since a firmware image is arbitrary binary.
func (c *Client) UploadFile(ctx context.Context, data []byte) (string, error) {
	var out UploadResponse
	if err := c.doRaw(ctx, http.MethodPost, c.path("/upload"), "application/octet-stream", data, &out); err != nil {
		return "", err
	}
	return out.UploadID, nil
}

// VerifyResponse is the upstream's reply to a verify request.
type VerifyResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error"`
}

// VerifyFile asks the upstream to verify a previously uploaded file.
func (c *Client) VerifyFile(ctx context.Context, uploadID string) (VerifyResponse, error) {
	var out VerifyResponse
	err := c.do(ctx, http.MethodPost, c.path(fmt.Sprintf("/uploads/%s/verify", uploadID)), nil, &out)
	return out, err
}

// FlashStartResponse is the upstream's reply to a start-flash request.
type FlashStartResponse struct {
	TransferID string `json:"transfer_id"`
}

// StartFlash asks the upstream to begin flashing a previously uploaded
// and verified file.
func (c *Client) StartFlash(ctx context.Context, uploadID string) (string, error) {
	var out FlashStartResponse
	if err := c.do(ctx, http.MethodPost, c.path("/start"), map[string]string{
		"upload_id": uploadID,
	}, &out); err != nil {
		return "", err
	}
	return out.TransferID, nil
}

type rawStatus struct {
	ID       string         `json:"id"`
	FileID   string         `json:"file_id"`
	State    string         `json:"state"`
	Progress *rawProgress   `json:"progress"`
	Error    *rawErrorBody  `json:"error"`
}

type rawProgress struct {
	BytesAcknowledged uint64  `json:"bytes_acknowledged"`
	BlocksTransferred uint32  `json:"blocks_transferred"`
	BlocksTotal       uint32  `json:"blocks_total"`
	Percent           float64 `json:"percent"`
}

type rawErrorBody struct {
	Message string `json:"message"`
}

func (r rawStatus) toFlashStatus() FlashStatus {
	status := FlashStatus{
		TransferID: r.ID,
		PackageID:  r.FileID,
		State:      ParseFlashState(r.State),
	}
	if r.Progress != nil {
		status.Progress = &FlashProgress{
			BytesTransferred:  r.Progress.BytesAcknowledged,
			BytesTotal:        uint64(r.Progress.BlocksTotal) * 1024,
			BlocksTransferred: r.Progress.BlocksTransferred,
			BlocksTotal:       r.Progress.BlocksTotal,
			Percent:           r.Progress.Percent,
		}
	}
	if r.Error != nil {
		status.Error = r.Error.Message
	}
	return status
}

// GetFlashStatus polls the upstream for one transfer's current status.
func (c *Client) GetFlashStatus(ctx context.Context, transferID string) (FlashStatus, error) {
	var out rawStatus
	if err := c.do(ctx, http.MethodGet, c.path(fmt.Sprintf("/transfers/%s", transferID)), nil, &out); err != nil {
		return FlashStatus{}, err
	}
	return out.toFlashStatus(), nil
}

// ListTransfers lists every flash transfer the upstream knows about.
func (c *Client) ListTransfers(ctx context.Context) ([]FlashStatus, error) {
	var out struct {
		Transfers []rawStatus `json:"transfers"`
	}
	if err := c.do(ctx, http.MethodGet, c.path("/transfers"), nil, &out); err != nil {
		return nil, err
	}
	statuses := make([]FlashStatus, 0, len(out.Transfers))
	for _, t := range out.Transfers {
		statuses = append(statuses, t.toFlashStatus())
	}
	return statuses, nil
}

// AbortFlash cancels an in-progress transfer.
func (c *Client) AbortFlash(ctx context.Context, transferID string) error {
	return c.do(ctx, http.MethodPost, c.path(fmt.Sprintf("/transfers/%s/abort", transferID)), nil, nil)
}

// TransferExit sends UDS RequestTransferExit to the upstream ECU,
// completing the upload half of the pipeline.
func (c *Client) TransferExit(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, c.path("/transfer-exit"), nil, nil)
}

// ECUReset asks the upstream to reset the target ECU, moving the flash
// pipeline from AwaitingReset to Activated.
func (c *Client) ECUReset(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, c.path("/ecu-reset"), nil, nil)
}

// CommitFlash commits the newly activated software as the running image.
func (c *Client) CommitFlash(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, c.path("/commit"), nil, nil)
}

// RollbackFlash reverts to the previously committed software image.
func (c *Client) RollbackFlash(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, c.path("/rollback"), nil, nil)
}

// ActivationStateResponse is the upstream's raw activation-state reply.
type ActivationStateResponse struct {
	SupportsRollback bool   `json:"supports_rollback"`
	State            string `json:"state"`
	ActiveVersion    string `json:"active_version"`
	PreviousVersion  string `json:"previous_version"`
}

// GetActivationState reports whether the currently flashed software has
// been committed and whether a rollback is available.
func (c *Client) GetActivationState(ctx context.Context) (ActivationStateResponse, error) {
	var out ActivationStateResponse
	err := c.do(ctx, http.MethodGet, c.path("/activation"), nil, &out)
	return out, err
}

// PollUntilTerminal polls GetFlashStatus at the configured interval
// until the transfer reaches AwaitingExit (ready to finalize) or Failed,
// or ctx is cancelled (typically by an upload-timeout deadline).
func (c *Client) PollUntilTerminal(ctx context.Context, transferID string) (FlashStatus, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := c.GetFlashStatus(ctx, transferID)
		if err != nil {
			return FlashStatus{}, err
		}
		if status.State == AwaitingExit || status.State == Failed {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return FlashStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
