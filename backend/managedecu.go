package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"sovdgw/didcatalog"
	"sovdgw/firmware"
	"sovdgw/ota"
	"sovdgw/sovdconfig"
	"sovdgw/sovderr"
	"sovdgw/stream"
)

// packageRecord is one stored OTA package awaiting verification or flash.
type packageRecord struct {
	data []byte
	info PackageInfo
}

// ManagedECUBackend is a DiagnosticBackend sitting in front of a
// ProxyBackend that intercepts every OTA package/flash operation
// locally instead of forwarding it upstream unchanged: packages are
// received and verified here, and the flash pipeline is driven against
// the upstream ECU through a dedicated Flash Client. Every other
// operation (data, faults, operations, outputs) delegates straight
// through to the wrapped proxy, optionally narrowed to a config-driven
// whitelist the same way the leaf ECU backend narrows its catalog.
//
// It keeps an outer (application-level) session independent of the
// proxy's inner (ECU) session: OTA mutating operations require the
// outer session to be "programming", and this backend performs
// the ECU's security unlock internally using a supplier secret that no
// external caller — including the OEM gateway — ever sees.
type ManagedECUBackend struct {
	entity       Entity
	proxy        *ProxyBackend
	flash        *ota.Client
	capabilities Capabilities

	outputs    []sovdconfig.OutputConfig
	operations []sovdconfig.OperationConfig
	parameters []sovdconfig.ParameterDef
	secret     []byte

	mu           sync.RWMutex
	localSession string

	pkgMu    sync.RWMutex
	packages map[string]*packageRecord
}

// NewManagedECUBackend builds a ManagedECUBackend wrapping proxy, which
// must already be configured to reach cfg.UpstreamURL. The Flash Client
// addresses the same upstream directly, shaped as a sub-entity under
// cfg.ParentID when one is set.
func NewManagedECUBackend(cfg sovdconfig.ManagedECUConfig, proxy *ProxyBackend) (*ManagedECUBackend, error) {
	var secret []byte
	if cfg.SecuritySecretHex != "" {
		decoded, err := hex.DecodeString(cfg.SecuritySecretHex)
		if err != nil {
			return nil, fmt.Errorf("backend: invalid managed-ECU security secret hex: %w", err)
		}
		secret = decoded
	}

	var flashClient *ota.Client
	if cfg.ParentID != "" {
		flashClient = ota.ForSOVDSubEntity(cfg.UpstreamURL, cfg.ParentID, cfg.ID)
	} else {
		flashClient = ota.ForSOVD(cfg.UpstreamURL, cfg.ID)
	}

	capabilities := UDSEcuCapabilities()
	capabilities.SoftwareUpdate = true
	if len(cfg.Outputs) == 0 {
		capabilities.IOControl = false
	}
	if len(cfg.Operations) == 0 {
		capabilities.Operations = false
	}

	return &ManagedECUBackend{
		entity: Entity{
			ID:          cfg.ID,
			Name:        cfg.Name,
			Type:        "ecu",
			Description: "Managed ECU sub-entity",
			Href:        fmt.Sprintf("/vehicle/v1/components/%s/apps/%s", cfg.ParentID, cfg.ID),
			Status:      "running",
		},
		proxy:        proxy,
		flash:        flashClient,
		capabilities: capabilities,
		outputs:      cfg.Outputs,
		operations:   cfg.Operations,
		parameters:   cfg.Parameters,
		secret:       secret,
		localSession: "default",
		packages:     make(map[string]*packageRecord),
	}, nil
}

func (m *ManagedECUBackend) EntityInfo() Entity         { return m.entity }
func (m *ManagedECUBackend) Capabilities() Capabilities { return m.capabilities }

// findOutput looks a configured output up by id.
func (m *ManagedECUBackend) findOutput(outputID string) (sovdconfig.OutputConfig, bool) {
	for _, o := range m.outputs {
		if o.ID == outputID {
			return o, true
		}
	}
	return sovdconfig.OutputConfig{}, false
}

func configToOutputInfo(cfg sovdconfig.OutputConfig) OutputInfo {
	dataType := ""
	if cfg.DataType != nil {
		dataType = cfg.DataType.String()
	}
	return OutputInfo{
		ID:               cfg.ID,
		Name:             cfg.Name,
		OutputID:         cfg.IOID,
		RequiresSecurity: cfg.SecurityLevel > 0,
		SecurityLevel:    cfg.SecurityLevel,
		DataType:         dataType,
		Unit:             cfg.Unit,
	}
}

// requireProgrammingSession gates every OTA mutating operation behind
// the app-level outer session, independent of the proxied ECU's own
// UDS session.
func (m *ManagedECUBackend) requireProgrammingSession() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.localSession != "programming" {
		return &sovderr.SessionRequired{Msg: "programming session required for software update"}
	}
	return nil
}

// unlockECUSecurity performs the ECU's seed-key exchange internally
// using the configured supplier secret. The OEM gateway and external
// clients never see the secret or the computed key; SetSecurityMode
// rejects every caller-supplied unlock attempt outright.
func (m *ManagedECUBackend) unlockECUSecurity(ctx context.Context) error {
	if len(m.secret) == 0 {
		return &sovderr.Protocol{Msg: "no security secret configured for internal unlock"}
	}

	seedMode, err := m.proxy.SetSecurityMode(ctx, "level1_requestseed", nil)
	if err != nil {
		return err
	}
	if len(seedMode.Seed) == 0 {
		return &sovderr.Protocol{Msg: "ECU did not return a seed for security access"}
	}
	seedBytes, err := hex.DecodeString(string(seedMode.Seed))
	if err != nil {
		return &sovderr.Protocol{Msg: fmt.Sprintf("invalid seed hex from ECU: %v", err)}
	}

	key := make([]byte, len(seedBytes))
	for i, b := range seedBytes {
		key[i] = b ^ m.secret[i%len(m.secret)]
	}

	if _, err := m.proxy.SetSecurityMode(ctx, "level1", key); err != nil {
		return err
	}
	return nil
}

// =========================================================================
// Data access — config-driven whitelist with proxy fallback/delegation
// =========================================================================

func (m *ManagedECUBackend) ListParameters(ctx context.Context) ([]ParameterInfo, error) {
	if len(m.parameters) == 0 {
		return m.proxy.ListParameters(ctx)
	}
	out := make([]ParameterInfo, 0, len(m.parameters))
	for _, pd := range m.parameters {
		info := ParameterInfo{
			ID:          pd.ID,
			Name:        pd.Name,
			Description: pd.Description,
			Unit:        pd.Unit,
			DataType:    pd.DataType,
			ReadOnly:    !pd.Writable,
		}
		if did, err := didcatalog.ParseHex(pd.DID); err == nil {
			info.DID = &did
		}
		out = append(out, info)
	}
	return out, nil
}

func (m *ManagedECUBackend) ReadData(ctx context.Context, paramIDs []string) ([]DataValue, error) {
	return m.proxy.ReadData(ctx, paramIDs)
}

func (m *ManagedECUBackend) WriteData(ctx context.Context, paramID string, value []byte) error {
	return m.proxy.WriteData(ctx, paramID, value)
}

// =========================================================================
// Faults — pure proxy delegation
// =========================================================================

func (m *ManagedECUBackend) GetFaults(ctx context.Context, filter *FaultFilter) (FaultsResult, error) {
	return m.proxy.GetFaults(ctx, filter)
}

func (m *ManagedECUBackend) GetFaultDetail(ctx context.Context, faultID string) (Fault, error) {
	return m.proxy.GetFaultDetail(ctx, faultID)
}

func (m *ManagedECUBackend) ClearFaults(ctx context.Context, group *uint32) (ClearFaultsResult, error) {
	return m.proxy.ClearFaults(ctx, group)
}

// =========================================================================
// Operations — config-driven catalog, proxied execution
// =========================================================================

func (m *ManagedECUBackend) ListOperations(ctx context.Context) ([]OperationInfo, error) {
	if len(m.operations) == 0 {
		return m.proxy.ListOperations(ctx)
	}
	out := make([]OperationInfo, 0, len(m.operations))
	for _, op := range m.operations {
		out = append(out, OperationInfo{
			ID:               op.ID,
			Name:             op.Name,
			Description:      op.Description,
			RequiresSecurity: op.SecurityLevel > 0,
			SecurityLevel:    op.SecurityLevel,
		})
	}
	return out, nil
}

func (m *ManagedECUBackend) StartOperation(ctx context.Context, operationID string, params []byte) (OperationExecution, error) {
	if len(m.operations) > 0 {
		found := false
		for _, op := range m.operations {
			if op.ID == operationID {
				found = true
				break
			}
		}
		if !found {
			return OperationExecution{}, &sovderr.NotFound{Kind: "operation", ID: operationID}
		}
	}
	return m.proxy.StartOperation(ctx, operationID, params)
}

func (m *ManagedECUBackend) GetOperationStatus(ctx context.Context, executionID string) (OperationExecution, error) {
	return m.proxy.GetOperationStatus(ctx, executionID)
}

func (m *ManagedECUBackend) StopOperation(ctx context.Context, executionID string) error {
	return m.proxy.StopOperation(ctx, executionID)
}

// =========================================================================
// Outputs — config-driven with proxy fallback
// =========================================================================

func (m *ManagedECUBackend) ListOutputs(ctx context.Context) ([]OutputInfo, error) {
	if len(m.outputs) == 0 {
		return m.proxy.ListOutputs(ctx)
	}
	out := make([]OutputInfo, 0, len(m.outputs))
	for _, o := range m.outputs {
		out = append(out, configToOutputInfo(o))
	}
	return out, nil
}

func (m *ManagedECUBackend) GetOutput(ctx context.Context, outputID string) (OutputDetail, error) {
	if len(m.outputs) == 0 {
		return m.proxy.GetOutput(ctx, outputID)
	}
	cfg, ok := m.findOutput(outputID)
	if !ok {
		return OutputDetail{}, &sovderr.NotFound{Kind: "output", ID: outputID}
	}

	var currentValue []byte
	var controlledByTester, frozen bool
	if detail, err := m.proxy.GetOutput(ctx, outputID); err == nil {
		currentValue, controlledByTester, frozen = detail.CurrentValue, detail.ControlledByTester, detail.Frozen
	} else {
		currentValue = cfg.DefaultValue
	}

	return OutputDetail{
		OutputInfo:         configToOutputInfo(cfg),
		CurrentValue:       currentValue,
		DefaultValue:       cfg.DefaultValue,
		ControlledByTester: controlledByTester,
		Frozen:             frozen,
		Min:                cfg.Min,
		Max:                cfg.Max,
		Allowed:            cfg.Allowed,
	}, nil
}

func (m *ManagedECUBackend) ControlOutput(ctx context.Context, outputID string, action OutputControlAction, value []byte) (IOControlResult, error) {
	if len(m.outputs) > 0 {
		if _, ok := m.findOutput(outputID); !ok {
			return IOControlResult{}, &sovderr.NotFound{Kind: "output", ID: outputID}
		}
	}
	return m.proxy.ControlOutput(ctx, outputID, action, value)
}

// =========================================================================
// Mode control — outer session lock, internally-managed security
// =========================================================================

func sessionID(session string) byte {
	switch session {
	case "programming":
		return 0x02
	case "extended":
		return 0x03
	default:
		return 0x01
	}
}

func (m *ManagedECUBackend) GetSessionMode(ctx context.Context) (SessionMode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return SessionMode{Session: m.localSession, SessionID: sessionID(m.localSession)}, nil
}

func (m *ManagedECUBackend) SetSessionMode(ctx context.Context, session string) (SessionMode, error) {
	switch session {
	case "default", "programming", "extended":
	default:
		return SessionMode{}, &sovderr.InvalidRequest{Msg: fmt.Sprintf("invalid session %q: use default, programming, or extended", session)}
	}

	m.mu.Lock()
	m.localSession = session
	m.mu.Unlock()

	// Returning to default also drops the proxied ECU's inner session;
	// a failure here is not fatal to the outer transition.
	if session == "default" {
		_, _ = m.proxy.SetSessionMode(ctx, "default")
	}

	return SessionMode{Session: session, SessionID: sessionID(session)}, nil
}

func (m *ManagedECUBackend) GetSecurityMode(ctx context.Context) (SecurityMode, error) {
	return m.proxy.GetSecurityMode(ctx)
}

// SetSecurityMode always rejects external unlock requests: the app
// performs the ECU's security access internally during flash, using a
// secret no caller outside this backend ever holds.
func (m *ManagedECUBackend) SetSecurityMode(ctx context.Context, value string, key []byte) (SecurityMode, error) {
	return SecurityMode{}, &sovderr.NotSupported{Msg: "security access is managed internally during software update"}
}

// =========================================================================
// Streams, sub-entities — pure delegation / leaf
// =========================================================================

func (m *ManagedECUBackend) SubscribeData(ctx context.Context, paramIDs []string, rateHz uint32) (string, <-chan stream.Sample, error) {
	return m.proxy.SubscribeData(ctx, paramIDs, rateHz)
}

func (m *ManagedECUBackend) UnsubscribeData(ctx context.Context, subID string) error {
	return m.proxy.UnsubscribeData(ctx, subID)
}

func (m *ManagedECUBackend) ListSubEntities(ctx context.Context) ([]Entity, error) {
	return nil, nil
}

func (m *ManagedECUBackend) GetSubEntity(ctx context.Context, id string) (DiagnosticBackend, error) {
	return nil, &sovderr.NotFound{Kind: "sub-entity", ID: id}
}

func (m *ManagedECUBackend) GetSoftwareInfo(ctx context.Context) (SoftwareInfo, error) {
	return m.proxy.GetSoftwareInfo(ctx)
}

// =========================================================================
// Package management — local OTA interception
// =========================================================================

const minPackageSize = 16

func (m *ManagedECUBackend) ReceivePackage(ctx context.Context, data []byte) (string, error) {
	if err := m.requireProgrammingSession(); err != nil {
		return "", err
	}
	if len(data) < minPackageSize {
		return "", &sovderr.InvalidRequest{Msg: fmt.Sprintf("package too small: %d bytes (minimum %d)", len(data), minPackageSize)}
	}

	packageID := uuid.NewString()
	rec := &packageRecord{
		data: append([]byte(nil), data...),
		info: PackageInfo{
			ID:        packageID,
			Size:      len(data),
			Status:    PackagePending,
			CreatedAt: time.Now(),
		},
	}

	m.pkgMu.Lock()
	m.packages[packageID] = rec
	m.pkgMu.Unlock()

	return packageID, nil
}

func (m *ManagedECUBackend) ListPackages(ctx context.Context) ([]PackageInfo, error) {
	m.pkgMu.RLock()
	defer m.pkgMu.RUnlock()
	out := make([]PackageInfo, 0, len(m.packages))
	for _, rec := range m.packages {
		out = append(out, rec.info)
	}
	return out, nil
}

func (m *ManagedECUBackend) GetPackage(ctx context.Context, packageID string) (PackageInfo, error) {
	m.pkgMu.RLock()
	defer m.pkgMu.RUnlock()
	rec, ok := m.packages[packageID]
	if !ok {
		return PackageInfo{}, &sovderr.NotFound{Kind: "package", ID: packageID}
	}
	return rec.info, nil
}

func (m *ManagedECUBackend) VerifyPackage(ctx context.Context, packageID string) (VerifyResult, error) {
	m.pkgMu.Lock()
	defer m.pkgMu.Unlock()
	rec, ok := m.packages[packageID]
	if !ok {
		return VerifyResult{}, &sovderr.NotFound{Kind: "package", ID: packageID}
	}

	sum := sha256.Sum256(rec.data)
	checksum := hex.EncodeToString(sum[:])

	version, err := firmware.VerifyBytes(rec.data)
	if err != nil {
		rec.info.Status = PackageInvalid
		return VerifyResult{Valid: false, Checksum: checksum, Algorithm: "sha256", Error: err.Error()}, nil
	}

	rec.info.Status = PackageVerified
	rec.info.Version = version
	return VerifyResult{Valid: true, Checksum: checksum, Algorithm: "sha256"}, nil
}

func (m *ManagedECUBackend) DeletePackage(ctx context.Context, packageID string) error {
	m.pkgMu.Lock()
	defer m.pkgMu.Unlock()
	if _, ok := m.packages[packageID]; !ok {
		return &sovderr.NotFound{Kind: "package", ID: packageID}
	}
	delete(m.packages, packageID)
	return nil
}

// =========================================================================
// Flash transfer — driven against the upstream ECU via the Flash Client
// =========================================================================

func (m *ManagedECUBackend) StartFlash(ctx context.Context, packageID string) (string, error) {
	if err := m.requireProgrammingSession(); err != nil {
		return "", err
	}

	m.pkgMu.RLock()
	rec, ok := m.packages[packageID]
	m.pkgMu.RUnlock()
	if !ok {
		return "", &sovderr.NotFound{Kind: "package", ID: packageID}
	}
	if rec.info.Status != PackageVerified {
		return "", &sovderr.InvalidRequest{Msg: "package must be verified before flashing"}
	}

	if _, err := m.proxy.SetSessionMode(ctx, "programming"); err != nil {
		return "", err
	}
	if len(m.secret) > 0 {
		if err := m.unlockECUSecurity(ctx); err != nil {
			return "", &sovderr.Protocol{Msg: fmt.Sprintf("security unlock failed: %v", err)}
		}
	}

	uploadID, err := m.flash.UploadFile(ctx, rec.data)
	if err != nil {
		return "", &sovderr.Transport{Op: "upload", Err: err}
	}

	verifyResp, err := m.flash.VerifyFile(ctx, uploadID)
	if err != nil {
		return "", &sovderr.Transport{Op: "verify", Err: err}
	}
	if !verifyResp.Valid {
		return "", &sovderr.InvalidRequest{Msg: fmt.Sprintf("upstream package verification failed: %s", verifyResp.Error)}
	}

	transferID, err := m.flash.StartFlash(ctx, uploadID)
	if err != nil {
		return "", &sovderr.Transport{Op: "start flash", Err: err}
	}
	return transferID, nil
}

func (m *ManagedECUBackend) GetFlashStatus(ctx context.Context, transferID string) (ota.FlashStatus, error) {
	status, err := m.flash.GetFlashStatus(ctx, transferID)
	if err != nil {
		return ota.FlashStatus{}, &sovderr.Transport{Op: "flash status", Err: err}
	}
	return status, nil
}

func (m *ManagedECUBackend) ListFlashTransfers(ctx context.Context) ([]ota.FlashStatus, error) {
	statuses, err := m.flash.ListTransfers(ctx)
	if err != nil {
		return nil, &sovderr.Transport{Op: "list transfers", Err: err}
	}
	return statuses, nil
}

func (m *ManagedECUBackend) AbortFlash(ctx context.Context, transferID string) error {
	if err := m.flash.AbortFlash(ctx, transferID); err != nil {
		return &sovderr.Transport{Op: "abort flash", Err: err}
	}
	return nil
}

func (m *ManagedECUBackend) FinalizeFlash(ctx context.Context) error {
	if err := m.requireProgrammingSession(); err != nil {
		return err
	}
	if err := m.flash.TransferExit(ctx); err != nil {
		return &sovderr.Transport{Op: "transfer exit", Err: err}
	}
	return nil
}

// commitOrRollback is shared by CommitFlash/RollbackFlash: after an ECU
// reset the inner session reverts to default and security re-locks, so
// both routines re-establish the extended session and internal unlock
// before calling the upstream.
func (m *ManagedECUBackend) commitOrRollback(ctx context.Context, op string, call func(context.Context) error) error {
	if _, err := m.proxy.SetSessionMode(ctx, "extended"); err != nil {
		return err
	}
	if len(m.secret) > 0 {
		if err := m.unlockECUSecurity(ctx); err != nil {
			return &sovderr.Protocol{Msg: fmt.Sprintf("security unlock failed: %v", err)}
		}
	}
	if err := call(ctx); err != nil {
		return &sovderr.Transport{Op: op, Err: err}
	}
	return nil
}

func (m *ManagedECUBackend) CommitFlash(ctx context.Context) error {
	return m.commitOrRollback(ctx, "commit flash", m.flash.CommitFlash)
}

func (m *ManagedECUBackend) RollbackFlash(ctx context.Context) error {
	return m.commitOrRollback(ctx, "rollback flash", m.flash.RollbackFlash)
}

func (m *ManagedECUBackend) GetActivationState(ctx context.Context) (ActivationState, error) {
	resp, err := m.flash.GetActivationState(ctx)
	if err != nil {
		return ActivationState{}, &sovderr.Transport{Op: "activation state", Err: err}
	}
	return ActivationState{
		SupportsRollback: resp.SupportsRollback,
		State:            ota.ParseFlashState(resp.State),
		ActiveVersion:    resp.ActiveVersion,
		PreviousVersion:  resp.PreviousVersion,
	}, nil
}

var _ DiagnosticBackend = (*ManagedECUBackend)(nil)
