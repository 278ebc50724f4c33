package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sovdgw/ota"
	"sovdgw/sovdconfig"
	"sovdgw/sovderr"
	"sovdgw/stream"
)

// ProxyBackend is a DiagnosticBackend whose operations are HTTP
// calls against another SOVD server, following the same
// /vehicle/v1/components/<id>/... resource layout this gateway itself
// exposes. It has no local state beyond its HTTP client and base URL.
type ProxyBackend struct {
	entity  Entity
	client  *http.Client
	baseURL string
	token   string
}

// NewProxyBackend builds a ProxyBackend targeting cfg.BaseURL.
func NewProxyBackend(cfg sovdconfig.ProxyConfig) *ProxyBackend {
	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Millisecond
	}
	return &ProxyBackend{
		entity: Entity{
			ID:     cfg.ID,
			Name:   cfg.Name,
			Type:   "ecu",
			Href:   fmt.Sprintf("/vehicle/v1/components/%s", cfg.ID),
			Status: "operational",
		},
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.BearerToken,
	}
}

// encodePathSegment percent-encodes a path segment that may itself
// carry a gateway-prefixed "/" (e.g. a sub-entity id), so it traverses
// the upstream's router as a single segment instead of being split.
func encodePathSegment(id string) string {
	return url.PathEscape(id)
}

func (p *ProxyBackend) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &sovderr.InvalidRequest{Msg: err.Error()}
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return &sovderr.Transport{Op: path, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &sovderr.Transport{Op: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return httpStatusToError(resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func httpStatusToError(status int, path string) error {
	switch status {
	case http.StatusNotFound:
		return &sovderr.NotFound{Kind: "resource", ID: path}
	case http.StatusForbidden:
		return &sovderr.SecurityAccessDenied{Msg: fmt.Sprintf("upstream rejected %s", path)}
	case http.StatusNotImplemented:
		return &sovderr.NotSupported{Msg: fmt.Sprintf("upstream does not support %s", path)}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return &sovderr.Transport{Op: path, Err: fmt.Errorf("upstream timeout")}
	default:
		return &sovderr.Transport{Op: path, Err: fmt.Errorf("upstream returned HTTP %d", status)}
	}
}

func (p *ProxyBackend) EntityInfo() Entity         { return p.entity }
func (p *ProxyBackend) Capabilities() Capabilities { return UDSEcuCapabilities() }

type wireParameterInfo struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Unit     string  `json:"unit"`
	DataType string  `json:"data_type"`
	DID      string  `json:"did"`
	ReadOnly bool    `json:"read_only"`
}

type wireParametersResponse struct {
	Items []wireParameterInfo `json:"items"`
}

func (p *ProxyBackend) ListParameters(ctx context.Context) ([]ParameterInfo, error) {
	var resp wireParametersResponse
	if err := p.do(ctx, http.MethodGet, fmt.Sprintf("/vehicle/v1/components/%s/data", p.entity.ID), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]ParameterInfo, 0, len(resp.Items))
	for _, item := range resp.Items {
		out = append(out, ParameterInfo{ID: item.ID, Name: item.Name, Unit: item.Unit, DataType: item.DataType, ReadOnly: item.ReadOnly})
	}
	return out, nil
}

type wireDataResponse struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

func (p *ProxyBackend) ReadData(ctx context.Context, paramIDs []string) ([]DataValue, error) {
	out := make([]DataValue, 0, len(paramIDs))
	for _, id := range paramIDs {
		var resp wireDataResponse
		path := fmt.Sprintf("/vehicle/v1/components/%s/data/%s", p.entity.ID, encodePathSegment(id))
		if err := p.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return nil, err
		}
		out = append(out, DataValue{ID: id, Value: []byte(resp.Value)})
	}
	return out, nil
}

func (p *ProxyBackend) WriteData(ctx context.Context, paramID string, value []byte) error {
	path := fmt.Sprintf("/vehicle/v1/components/%s/data/%s", p.entity.ID, encodePathSegment(paramID))
	return p.do(ctx, http.MethodPut, path, map[string]string{"value": string(value)}, nil)
}

type wireFault struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Status      byte   `json:"status"`
}

type wireFaultsResponse struct {
	Items []wireFault `json:"items"`
}

func (p *ProxyBackend) GetFaults(ctx context.Context, filter *FaultFilter) (FaultsResult, error) {
	path := fmt.Sprintf("/vehicle/v1/components/%s/faults", p.entity.ID)
	var resp wireFaultsResponse
	if err := p.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return FaultsResult{}, err
	}
	faults := make([]Fault, 0, len(resp.Items))
	for _, f := range resp.Items {
		faults = append(faults, Fault{ID: f.ID, Code: f.Code, Description: f.Description, Status: f.Status})
	}
	return FaultsResult{Faults: faults}, nil
}

func (p *ProxyBackend) GetFaultDetail(ctx context.Context, faultID string) (Fault, error) {
	path := fmt.Sprintf("/vehicle/v1/components/%s/faults/%s", p.entity.ID, encodePathSegment(faultID))
	var f wireFault
	if err := p.do(ctx, http.MethodGet, path, nil, &f); err != nil {
		return Fault{}, err
	}
	return Fault{ID: f.ID, Code: f.Code, Description: f.Description, Status: f.Status}, nil
}

func (p *ProxyBackend) ClearFaults(ctx context.Context, group *uint32) (ClearFaultsResult, error) {
	path := fmt.Sprintf("/vehicle/v1/components/%s/faults", p.entity.ID)
	var resp struct {
		Success      bool   `json:"success"`
		ClearedCount uint32 `json:"cleared_count"`
		Message      string `json:"message"`
	}
	if err := p.do(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return ClearFaultsResult{}, err
	}
	return ClearFaultsResult{Success: resp.Success, ClearedCount: resp.ClearedCount, Message: resp.Message}, nil
}

type wireOperationInfo struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	RequiresSecurity bool   `json:"requires_security"`
}

func (p *ProxyBackend) ListOperations(ctx context.Context) ([]OperationInfo, error) {
	path := fmt.Sprintf("/vehicle/v1/components/%s/operations", p.entity.ID)
	var resp struct {
		Items []wireOperationInfo `json:"items"`
	}
	if err := p.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]OperationInfo, 0, len(resp.Items))
	for _, op := range resp.Items {
		out = append(out, OperationInfo{ID: op.ID, Name: op.Name, RequiresSecurity: op.RequiresSecurity})
	}
	return out, nil
}

func (p *ProxyBackend) StartOperation(ctx context.Context, operationID string, params []byte) (OperationExecution, error) {
	path := fmt.Sprintf("/vehicle/v1/components/%s/operations/%s", p.entity.ID, encodePathSegment(operationID))
	body := map[string]string{"action": "start"}
	if len(params) > 0 {
		body["parameters"] = string(params)
	}
	var resp struct {
		ExecutionID string `json:"execution_id"`
		Status      string `json:"status"`
		Result      string `json:"result"`
	}
	if err := p.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return OperationExecution{}, err
	}
	return OperationExecution{ExecutionID: resp.ExecutionID, OperationID: operationID, Status: resp.Status, Result: []byte(resp.Result)}, nil
}

func (p *ProxyBackend) GetOperationStatus(ctx context.Context, executionID string) (OperationExecution, error) {
	path := fmt.Sprintf("/vehicle/v1/operations/%s", encodePathSegment(executionID))
	var resp struct {
		ExecutionID string `json:"execution_id"`
		OperationID string `json:"operation_id"`
		Status      string `json:"status"`
		Result      string `json:"result"`
	}
	if err := p.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return OperationExecution{}, err
	}
	return OperationExecution{ExecutionID: resp.ExecutionID, OperationID: resp.OperationID, Status: resp.Status, Result: []byte(resp.Result)}, nil
}

func (p *ProxyBackend) StopOperation(ctx context.Context, executionID string) error {
	path := fmt.Sprintf("/vehicle/v1/operations/%s", encodePathSegment(executionID))
	return p.do(ctx, http.MethodDelete, path, nil, nil)
}

func (p *ProxyBackend) ListOutputs(ctx context.Context) ([]OutputInfo, error) {
	path := fmt.Sprintf("/vehicle/v1/components/%s/outputs", p.entity.ID)
	var resp struct {
		Items []OutputInfo `json:"items"`
	}
	if err := p.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (p *ProxyBackend) GetOutput(ctx context.Context, outputID string) (OutputDetail, error) {
	path := fmt.Sprintf("/vehicle/v1/components/%s/outputs/%s", p.entity.ID, encodePathSegment(outputID))
	var detail OutputDetail
	if err := p.do(ctx, http.MethodGet, path, nil, &detail); err != nil {
		return OutputDetail{}, err
	}
	return detail, nil
}

func (p *ProxyBackend) ControlOutput(ctx context.Context, outputID string, action OutputControlAction, value []byte) (IOControlResult, error) {
	path := fmt.Sprintf("/vehicle/v1/components/%s/outputs/%s", p.entity.ID, encodePathSegment(outputID))
	body := map[string]interface{}{"action": outputActionName(action)}
	if value != nil {
		body["value"] = string(value)
	}
	var resp IOControlResult
	if err := p.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return IOControlResult{}, err
	}
	return resp, nil
}

func outputActionName(action OutputControlAction) string {
	switch action {
	case OutputReturnToECU:
		return "return_to_ecu"
	case OutputResetToDefault:
		return "reset_to_default"
	case OutputFreeze:
		return "freeze"
	case OutputShortTermAdjust:
		return "short_term_adjust"
	default:
		return "unknown"
	}
}

func (p *ProxyBackend) GetSessionMode(ctx context.Context) (SessionMode, error) {
	return p.getMode(ctx, "session", "")
}

func (p *ProxyBackend) SetSessionMode(ctx context.Context, sessionName string) (SessionMode, error) {
	return p.setMode(ctx, "session", sessionName, nil, "")
}

func (p *ProxyBackend) GetSecurityMode(ctx context.Context) (SecurityMode, error) {
	mode, err := p.getMode(ctx, "security", "")
	if err != nil {
		return SecurityMode{}, err
	}
	return SecurityMode{Seed: []byte(mode.Session)}, nil
}

func (p *ProxyBackend) SetSecurityMode(ctx context.Context, value string, key []byte) (SecurityMode, error) {
	mode, err := p.setMode(ctx, "security", value, key, "")
	if err != nil {
		return SecurityMode{}, err
	}
	return SecurityMode{Unlocked: mode.Session != "", Seed: []byte(mode.Session)}, nil
}

func (p *ProxyBackend) getMode(ctx context.Context, modeType, target string) (SessionMode, error) {
	path := p.modePath(modeType, target)
	var resp struct {
		Value string `json:"value"`
	}
	if err := p.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return SessionMode{}, err
	}
	return SessionMode{Session: resp.Value}, nil
}

func (p *ProxyBackend) setMode(ctx context.Context, modeType, value string, key []byte, target string) (SessionMode, error) {
	path := p.modePath(modeType, target)
	body := map[string]interface{}{"value": value}
	if key != nil {
		body["key"] = fmt.Sprintf("%x", key)
	}
	var resp struct {
		Value string `json:"value"`
	}
	if err := p.do(ctx, http.MethodPut, path, body, &resp); err != nil {
		return SessionMode{}, err
	}
	return SessionMode{Session: resp.Value}, nil
}

// modePath builds a modes URL, optionally routed through the sub-entity
// apps path when target names a child.
func (p *ProxyBackend) modePath(modeType, target string) string {
	if target == "" {
		return fmt.Sprintf("/vehicle/v1/components/%s/modes/%s", p.entity.ID, modeType)
	}
	return fmt.Sprintf("/vehicle/v1/components/%s/apps/%s/modes/%s", p.entity.ID, encodePathSegment(target), modeType)
}

func (p *ProxyBackend) SubscribeData(ctx context.Context, paramIDs []string, rateHz uint32) (string, <-chan stream.Sample, error) {
	return "", nil, &sovderr.NotSupported{Msg: "proxy backend does not support server-side stream demultiplexing; subscribe directly against the upstream"}
}

func (p *ProxyBackend) UnsubscribeData(ctx context.Context, subID string) error {
	return &sovderr.NotSupported{Msg: "proxy backend does not support server-side stream demultiplexing"}
}

func (p *ProxyBackend) ListSubEntities(ctx context.Context) ([]Entity, error) {
	path := fmt.Sprintf("/vehicle/v1/components/%s/apps", p.entity.ID)
	var resp struct {
		Items []Entity `json:"items"`
	}
	if err := p.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (p *ProxyBackend) GetSubEntity(ctx context.Context, id string) (DiagnosticBackend, error) {
	return nil, &sovderr.NotSupported{Msg: "proxy backend exposes sub-entities as HTTP resources only, not as local backend instances"}
}

func (p *ProxyBackend) GetSoftwareInfo(ctx context.Context) (SoftwareInfo, error) {
	path := fmt.Sprintf("/vehicle/v1/components/%s/software", p.entity.ID)
	var resp struct {
		ActiveVersion  string `json:"active_version"`
		BootSoftwareID string `json:"boot_software_id"`
		AppSoftwareID  string `json:"app_software_id"`
	}
	if err := p.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return SoftwareInfo{}, err
	}
	return SoftwareInfo{ActiveVersion: resp.ActiveVersion, BootSoftwareID: resp.BootSoftwareID, AppSoftwareID: resp.AppSoftwareID}, nil
}

func (p *ProxyBackend) ReceivePackage(ctx context.Context, data []byte) (string, error) {
	path := fmt.Sprintf("/vehicle/v1/components/%s/software/packages", p.entity.ID)
	var resp struct {
		PackageID string `json:"package_id"`
	}
	if err := p.do(ctx, http.MethodPost, path, map[string]string{"data": fmt.Sprintf("%x", data)}, &resp); err != nil {
		return "", err
	}
	return resp.PackageID, nil
}

type wirePackageInfo struct {
	ID        string    `json:"id"`
	Size      int       `json:"size"`
	TargetECU string    `json:"target_ecu"`
	Version   string    `json:"version"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (w wirePackageInfo) toPackageInfo() PackageInfo {
	status := PackagePending
	switch w.Status {
	case "verified":
		status = PackageVerified
	case "invalid":
		status = PackageInvalid
	}
	return PackageInfo{ID: w.ID, Size: w.Size, TargetECU: w.TargetECU, Version: w.Version, Status: status, CreatedAt: w.CreatedAt}
}

func (p *ProxyBackend) ListPackages(ctx context.Context) ([]PackageInfo, error) {
	path := fmt.Sprintf("/vehicle/v1/components/%s/software/packages", p.entity.ID)
	var resp struct {
		Items []wirePackageInfo `json:"items"`
	}
	if err := p.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]PackageInfo, 0, len(resp.Items))
	for _, item := range resp.Items {
		out = append(out, item.toPackageInfo())
	}
	return out, nil
}

func (p *ProxyBackend) GetPackage(ctx context.Context, packageID string) (PackageInfo, error) {
	path := fmt.Sprintf("/vehicle/v1/components/%s/software/packages/%s", p.entity.ID, encodePathSegment(packageID))
	var info wirePackageInfo
	if err := p.do(ctx, http.MethodGet, path, nil, &info); err != nil {
		return PackageInfo{}, err
	}
	return info.toPackageInfo(), nil
}

func (p *ProxyBackend) VerifyPackage(ctx context.Context, packageID string) (VerifyResult, error) {
	path := fmt.Sprintf("/vehicle/v1/components/%s/software/packages/%s/verify", p.entity.ID, encodePathSegment(packageID))
	var result VerifyResult
	if err := p.do(ctx, http.MethodPost, path, nil, &result); err != nil {
		return VerifyResult{}, err
	}
	return result, nil
}

func (p *ProxyBackend) DeletePackage(ctx context.Context, packageID string) error {
	path := fmt.Sprintf("/vehicle/v1/components/%s/software/packages/%s", p.entity.ID, encodePathSegment(packageID))
	return p.do(ctx, http.MethodDelete, path, nil, nil)
}

func (p *ProxyBackend) StartFlash(ctx context.Context, packageID string) (string, error) {
	path := fmt.Sprintf("/vehicle/v1/components/%s/flash", p.entity.ID)
	var resp struct {
		TransferID string `json:"transfer_id"`
	}
	if err := p.do(ctx, http.MethodPost, path, map[string]string{"package_id": packageID}, &resp); err != nil {
		return "", err
	}
	return resp.TransferID, nil
}

// wireFlashStatus mirrors the upstream's JSON shape: state is a free-form
// string, converted through ota.ParseFlashState the same way the
// managed-ECU backend collapses an upstream's finer-grained vocabulary.
type wireFlashStatus struct {
	TransferID string `json:"transfer_id"`
	PackageID  string `json:"package_id"`
	State      string `json:"state"`
	Error      string `json:"error"`
}

func (w wireFlashStatus) toFlashStatus() ota.FlashStatus {
	return ota.FlashStatus{TransferID: w.TransferID, PackageID: w.PackageID, State: ota.ParseFlashState(w.State), Error: w.Error}
}

func (p *ProxyBackend) GetFlashStatus(ctx context.Context, transferID string) (ota.FlashStatus, error) {
	path := fmt.Sprintf("/vehicle/v1/components/%s/flash/%s", p.entity.ID, encodePathSegment(transferID))
	var status wireFlashStatus
	if err := p.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return ota.FlashStatus{}, err
	}
	return status.toFlashStatus(), nil
}

func (p *ProxyBackend) ListFlashTransfers(ctx context.Context) ([]ota.FlashStatus, error) {
	path := fmt.Sprintf("/vehicle/v1/components/%s/flash", p.entity.ID)
	var resp struct {
		Items []wireFlashStatus `json:"items"`
	}
	if err := p.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]ota.FlashStatus, 0, len(resp.Items))
	for _, item := range resp.Items {
		out = append(out, item.toFlashStatus())
	}
	return out, nil
}

func (p *ProxyBackend) AbortFlash(ctx context.Context, transferID string) error {
	path := fmt.Sprintf("/vehicle/v1/components/%s/flash/%s", p.entity.ID, encodePathSegment(transferID))
	return p.do(ctx, http.MethodDelete, path, nil, nil)
}

func (p *ProxyBackend) FinalizeFlash(ctx context.Context) error {
	path := fmt.Sprintf("/vehicle/v1/components/%s/flash/finalize", p.entity.ID)
	return p.do(ctx, http.MethodPost, path, nil, nil)
}

func (p *ProxyBackend) CommitFlash(ctx context.Context) error {
	path := fmt.Sprintf("/vehicle/v1/components/%s/flash/commit", p.entity.ID)
	return p.do(ctx, http.MethodPost, path, nil, nil)
}

func (p *ProxyBackend) RollbackFlash(ctx context.Context) error {
	path := fmt.Sprintf("/vehicle/v1/components/%s/flash/rollback", p.entity.ID)
	return p.do(ctx, http.MethodPost, path, nil, nil)
}

func (p *ProxyBackend) GetActivationState(ctx context.Context) (ActivationState, error) {
	path := fmt.Sprintf("/vehicle/v1/components/%s/flash/activation", p.entity.ID)
	var resp struct {
		SupportsRollback bool   `json:"supports_rollback"`
		State            string `json:"state"`
		ActiveVersion    string `json:"active_version"`
		PreviousVersion  string `json:"previous_version"`
	}
	if err := p.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return ActivationState{}, err
	}
	return ActivationState{
		SupportsRollback: resp.SupportsRollback,
		State:            ota.ParseFlashState(resp.State),
		ActiveVersion:    resp.ActiveVersion,
		PreviousVersion:  resp.PreviousVersion,
	}, nil
}

var _ DiagnosticBackend = (*ProxyBackend)(nil)
