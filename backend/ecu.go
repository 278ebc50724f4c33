package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"sovdgw/didcatalog"
	"sovdgw/dtc"
	"sovdgw/ota"
	"sovdgw/session"
	"sovdgw/sovdconfig"
	"sovdgw/sovderr"
	"sovdgw/stream"
	"sovdgw/transport"
	"sovdgw/uds"
)

// ECUBackend is the leaf backend: it owns one transport adapter and
// talks UDS directly, through the Session Manager and Stream Manager
// rather than issuing requests of its own. Everything application-
// specific (which DIDs, which routines, which outputs) comes from its
// ECUConfig.
type ECUBackend struct {
	entity Entity
	cfg    sovdconfig.ECUConfig

	adapter transport.Adapter
	svc     *uds.Service
	session *session.Manager
	streams *stream.Manager
	ids     *didcatalog.Standard

	outputs    map[string]sovdconfig.OutputConfig
	operations map[string]sovdconfig.OperationConfig
	params     map[string]sovdconfig.ParameterDef

	mu         sync.Mutex
	executions map[string]*OperationExecution

	transferMu sync.Mutex
	transfer   *downloadState

	frameCancel context.CancelFunc
	frameDone   chan struct{}
}

// NewECUBackend wires a Session Manager, Stream Manager and UDS Service
// on top of adapter, and starts the goroutine feeding inbound frames to
// the Stream Manager's demultiplexer.
func NewECUBackend(adapter transport.Adapter, cfg sovdconfig.ECUConfig) *ECUBackend {
	svc := uds.NewService(adapter, cfg.Transport.ServiceIDs)
	sessionCfg := session.Config{
		KeepaliveInterval:         time.Duration(cfg.Session.KeepaliveInterval) * time.Millisecond,
		SuppressKeepaliveResponse: cfg.Session.SuppressKeepaliveResponse,
	}

	e := &ECUBackend{
		entity: Entity{
			ID:          cfg.ID,
			Name:        cfg.Name,
			Type:        "ecu",
			Description: cfg.Description,
			Href:        fmt.Sprintf("/vehicle/v1/components/%s", cfg.ID),
			Status:      "operational",
		},
		cfg:        cfg,
		adapter:    adapter,
		svc:        svc,
		session:    session.NewManager(svc, sessionCfg),
		streams:    stream.NewManager(svc),
		ids:        didcatalog.NewStandard(),
		outputs:    make(map[string]sovdconfig.OutputConfig, len(cfg.Outputs)),
		operations: make(map[string]sovdconfig.OperationConfig, len(cfg.Operations)),
		params:     make(map[string]sovdconfig.ParameterDef, len(cfg.Parameters)),
		executions: make(map[string]*OperationExecution),
	}
	for _, o := range cfg.Outputs {
		e.outputs[o.ID] = o
	}
	for _, o := range cfg.Operations {
		e.operations[o.ID] = o
	}
	for _, p := range cfg.Parameters {
		e.params[p.ID] = p
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.frameCancel = cancel
	e.frameDone = make(chan struct{})
	go e.pumpFrames(ctx)

	return e
}

// pumpFrames feeds every inbound frame the adapter observes to the
// Stream Manager, which ignores anything but periodic transmissions.
// Request/response traffic is consumed independently by the UDS
// Service's own Subscribe-backed wait.
func (e *ECUBackend) pumpFrames(ctx context.Context) {
	defer close(e.frameDone)
	ch := e.adapter.Subscribe()
	defer e.adapter.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			e.streams.HandleIncomingFrame(frame)
		}
	}
}

// Close stops the frame pump and the Session Manager's keepalive, and
// releases every live stream subscription.
func (e *ECUBackend) Close() {
	e.frameCancel()
	<-e.frameDone
	e.streams.Close()
	e.session.Close()
}

func (e *ECUBackend) EntityInfo() Entity { return e.entity }

func (e *ECUBackend) Capabilities() Capabilities {
	caps := UDSEcuCapabilities()
	if len(e.outputs) == 0 {
		caps.Outputs = false
		caps.IOControl = false
	}
	if len(e.operations) == 0 {
		caps.Operations = false
	}
	return caps
}

// resolveParam looks a parameter id up against the configured whitelist
// first, falling back to the standard identification catalog only when
// no whitelist entry exists for that id.
func (e *ECUBackend) resolveParam(id string) (did uint16, writable bool, err error) {
	if def, ok := e.params[id]; ok {
		did, err = didcatalog.ParseHex(def.DID)
		if err != nil {
			return 0, false, &sovderr.InvalidRequest{Msg: err.Error()}
		}
		return did, def.Writable, nil
	}
	if did, ok := e.ids.Resolve(id); ok {
		return did, false, nil
	}
	return 0, false, &sovderr.NotFound{Kind: "parameter", ID: id}
}

func (e *ECUBackend) ListParameters(ctx context.Context) ([]ParameterInfo, error) {
	if len(e.cfg.Parameters) > 0 {
		out := make([]ParameterInfo, 0, len(e.cfg.Parameters))
		for _, p := range e.cfg.Parameters {
			did, err := didcatalog.ParseHex(p.DID)
			if err != nil {
				continue
			}
			d := did
			out = append(out, ParameterInfo{
				ID:          p.ID,
				Name:        p.Name,
				Description: p.Description,
				Unit:        p.Unit,
				DataType:    p.DataType,
				ReadOnly:    !p.Writable,
				Href:        fmt.Sprintf("/vehicle/v1/components/%s/data/%s", e.entity.ID, p.ID),
				DID:         &d,
			})
		}
		return out, nil
	}

	entries := e.ids.Entries()
	out := make([]ParameterInfo, 0, len(entries))
	for _, ent := range entries {
		d := ent.DID
		out = append(out, ParameterInfo{
			ID:       ent.Name,
			Name:     ent.Name,
			ReadOnly: true,
			Href:     fmt.Sprintf("/vehicle/v1/components/%s/data/%s", e.entity.ID, ent.Name),
			DID:      &d,
		})
	}
	return out, nil
}

// ReadData issues one 0x22 per requested parameter id, restricting a
// single read to one DID at a time.
func (e *ECUBackend) ReadData(ctx context.Context, paramIDs []string) ([]DataValue, error) {
	out := make([]DataValue, 0, len(paramIDs))
	for _, id := range paramIDs {
		did, _, err := e.resolveParam(id)
		if err != nil {
			return nil, err
		}
		msg, err := e.svc.ReadDataByIdentifier(ctx, did)
		if err != nil {
			return nil, err
		}
		out = append(out, DataValue{ID: id, Value: msg.Data, Raw: msg.Data})
	}
	return out, nil
}

func (e *ECUBackend) WriteData(ctx context.Context, paramID string, value []byte) error {
	did, writable, err := e.resolveParam(paramID)
	if err != nil {
		return err
	}
	if !writable {
		return &sovderr.InvalidRequest{Msg: fmt.Sprintf("parameter %q is read-only", paramID)}
	}
	_, err = e.svc.WriteDataByIdentifier(ctx, did, value)
	return err
}

// GetFaults issues 0x19/0x02 (report DTC by status mask), defaulting to
// "all" (0xFF) when filter is nil.
func (e *ECUBackend) GetFaults(ctx context.Context, filter *FaultFilter) (FaultsResult, error) {
	mask := byte(0xFF)
	if filter != nil && filter.StatusMask != nil {
		mask = *filter.StatusMask
	}
	msg, err := e.svc.ReadDTCInformation(ctx, uds.SubfunctionReportDTCByStatusMask, mask)
	if err != nil {
		return FaultsResult{}, err
	}

	// Response format: [subfunction-echo, status-availability-mask, (3 code bytes + 1 status byte)...]
	_, rest, ok := uds.SplitSubfunction(msg.Data)
	if !ok || len(rest) < 1 {
		return FaultsResult{}, &sovderr.Protocol{Msg: "ReadDTCInformation response too short"}
	}
	avail := rest[0]
	records := rest[1:]

	var faults []Fault
	for i := 0; i+4 <= len(records); i += 4 {
		d, err := dtc.DecodeDTC(records[i : i+4])
		if err != nil {
			continue
		}
		id := fmt.Sprintf("%06X", d.RawID())
		faults = append(faults, Fault{
			ID:          id,
			Code:        d.Code(),
			Description: d.Code(),
			Status:      d.Status.Byte(),
			Href:        fmt.Sprintf("/vehicle/v1/components/%s/faults/%s", e.entity.ID, id),
		})
	}
	return FaultsResult{Faults: faults, StatusAvailability: &avail}, nil
}

func (e *ECUBackend) GetFaultDetail(ctx context.Context, faultID string) (Fault, error) {
	result, err := e.GetFaults(ctx, nil)
	if err != nil {
		return Fault{}, err
	}
	for _, f := range result.Faults {
		if f.ID == faultID {
			return f, nil
		}
	}
	return Fault{}, &sovderr.NotFound{Kind: "fault", ID: faultID}
}

// ClearFaults issues 0x14 with the group's mask, or GroupAll when group
// is nil.
func (e *ECUBackend) ClearFaults(ctx context.Context, group *uint32) (ClearFaultsResult, error) {
	mask := uint32(dtc.GroupAll)
	if group != nil {
		mask = *group
	}
	if _, err := e.svc.ClearDiagnosticInformation(ctx, mask); err != nil {
		return ClearFaultsResult{}, err
	}
	return ClearFaultsResult{Success: true, Message: "cleared"}, nil
}

func (e *ECUBackend) ListOperations(ctx context.Context) ([]OperationInfo, error) {
	out := make([]OperationInfo, 0, len(e.cfg.Operations))
	for _, op := range e.cfg.Operations {
		out = append(out, OperationInfo{
			ID:               op.ID,
			Name:             op.Name,
			Description:      op.Description,
			RequiresSecurity: op.SecurityLevel != 0,
			SecurityLevel:    op.SecurityLevel,
			Href:             fmt.Sprintf("/vehicle/v1/components/%s/operations/%s", e.entity.ID, op.ID),
		})
	}
	return out, nil
}

// StartOperation ensures the configured session level, issues
// RoutineControl start, and records an execution by a fresh id so
// GetOperationStatus/StopOperation can look it back up.
func (e *ECUBackend) StartOperation(ctx context.Context, operationID string, params []byte) (OperationExecution, error) {
	op, ok := e.operations[operationID]
	if !ok {
		return OperationExecution{}, &sovderr.NotFound{Kind: "operation", ID: operationID}
	}
	if err := e.ensureSessionLevel(ctx, op.SessionLevel); err != nil {
		return OperationExecution{}, err
	}

	msg, err := e.svc.RoutineControl(ctx, uds.SubfunctionStartRoutine, op.RoutineID, params)
	if err != nil {
		return OperationExecution{}, err
	}

	execID := uuid.NewString()
	exec := &OperationExecution{ExecutionID: execID, OperationID: operationID, Status: "completed", Result: msg.Data}
	e.mu.Lock()
	e.executions[execID] = exec
	e.mu.Unlock()
	return *exec, nil
}

func (e *ECUBackend) ensureSessionLevel(ctx context.Context, level byte) error {
	switch session.ID(level) {
	case session.Default, 0:
		return nil
	case session.Extended:
		return e.session.EnsureExtended(ctx)
	case session.Programming:
		return e.session.EnsureProgramming(ctx)
	case session.Engineering:
		return e.session.EnsureEngineering(ctx, false)
	default:
		return e.session.ChangeSession(ctx, session.ID(level))
	}
}

func (e *ECUBackend) GetOperationStatus(ctx context.Context, executionID string) (OperationExecution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return OperationExecution{}, &sovderr.NotFound{Kind: "execution", ID: executionID}
	}
	return *exec, nil
}

// StopOperation issues RoutineControl stop for the operation the
// execution belongs to.
func (e *ECUBackend) StopOperation(ctx context.Context, executionID string) error {
	e.mu.Lock()
	exec, ok := e.executions[executionID]
	e.mu.Unlock()
	if !ok {
		return &sovderr.NotFound{Kind: "execution", ID: executionID}
	}
	op, ok := e.operations[exec.OperationID]
	if !ok {
		return &sovderr.NotFound{Kind: "operation", ID: exec.OperationID}
	}
	_, err := e.svc.RoutineControl(ctx, uds.SubfunctionStopRoutine, op.RoutineID, nil)
	if err != nil {
		return err
	}
	e.mu.Lock()
	exec.Status = "stopped"
	e.mu.Unlock()
	return nil
}

func (e *ECUBackend) ListOutputs(ctx context.Context) ([]OutputInfo, error) {
	out := make([]OutputInfo, 0, len(e.cfg.Outputs))
	for _, o := range e.cfg.Outputs {
		dt := ""
		if o.DataType != nil {
			dt = o.DataType.String()
		}
		out = append(out, OutputInfo{
			ID:               o.ID,
			Name:             o.Name,
			OutputID:         o.IOID,
			RequiresSecurity: o.SecurityLevel != 0,
			SecurityLevel:    o.SecurityLevel,
			Href:             fmt.Sprintf("/vehicle/v1/components/%s/outputs/%s", e.entity.ID, o.ID),
			DataType:         dt,
			Unit:             o.Unit,
		})
	}
	return out, nil
}

func (e *ECUBackend) GetOutput(ctx context.Context, outputID string) (OutputDetail, error) {
	cfg, ok := e.outputs[outputID]
	if !ok {
		return OutputDetail{}, &sovderr.NotFound{Kind: "output", ID: outputID}
	}
	msg, err := e.svc.ReadDataByIdentifier(ctx, cfg.DID)
	if err != nil {
		return OutputDetail{}, err
	}

	dt := ""
	if cfg.DataType != nil {
		dt = cfg.DataType.String()
	}
	return OutputDetail{
		OutputInfo: OutputInfo{
			ID:       cfg.ID,
			Name:     cfg.Name,
			OutputID: cfg.IOID,
			Href:     fmt.Sprintf("/vehicle/v1/components/%s/outputs/%s", e.entity.ID, cfg.ID),
			DataType: dt,
			Unit:     cfg.Unit,
		},
		CurrentValue: msg.Data,
		DefaultValue: cfg.DefaultValue,
		Min:          cfg.Min,
		Max:          cfg.Max,
		Allowed:      cfg.Allowed,
	}, nil
}

// ControlOutput issues 0x2F with the sub-function selected by action. For
// OutputShortTermAdjust, value is sent as-is as the control-state bytes;
// this method applies no type-aware encoding of its own.
func (e *ECUBackend) ControlOutput(ctx context.Context, outputID string, action OutputControlAction, value []byte) (IOControlResult, error) {
	cfg, ok := e.outputs[outputID]
	if !ok {
		return IOControlResult{}, &sovderr.NotFound{Kind: "output", ID: outputID}
	}

	var sub byte
	switch action {
	case OutputReturnToECU:
		sub = uds.SubfunctionReturnControlToECU
	case OutputResetToDefault:
		sub = uds.SubfunctionResetToDefault
	case OutputFreeze:
		sub = uds.SubfunctionFreezeCurrentState
	case OutputShortTermAdjust:
		sub = uds.SubfunctionShortTermAdjustment
	default:
		return IOControlResult{}, &sovderr.InvalidRequest{Msg: "unknown output control action"}
	}

	msg, err := e.svc.IOControl(ctx, cfg.DID, sub, value, nil)
	if err != nil {
		return IOControlResult{}, err
	}
	return IOControlResult{Applied: true, Value: msg.Data}, nil
}

func (e *ECUBackend) GetSessionMode(ctx context.Context) (SessionMode, error) {
	id := e.session.CurrentSession()
	return SessionMode{Session: sessionName(id), SessionID: byte(id)}, nil
}

func (e *ECUBackend) SetSessionMode(ctx context.Context, name string) (SessionMode, error) {
	id, ok := sessionByName(name)
	if !ok {
		return SessionMode{}, &sovderr.InvalidRequest{Msg: fmt.Sprintf("unknown session %q", name)}
	}
	if err := e.session.ChangeSession(ctx, id); err != nil {
		return SessionMode{}, err
	}
	return SessionMode{Session: name, SessionID: byte(id)}, nil
}

func (e *ECUBackend) GetSecurityMode(ctx context.Context) (SecurityMode, error) {
	sec := e.session.SecuritySnapshot()
	return SecurityMode{Level: sec.Level, Unlocked: sec.Unlocked, Seed: sec.PendingSeed}, nil
}

// SetSecurityMode implements a single call covering both seed request
// (key is nil) and key submission (key is non-nil), selected by which
// argument is present — matching how an HTTP handler collapses the
// two-step 0x27 handshake into one resource action when a key is already
// known.
func (e *ECUBackend) SetSecurityMode(ctx context.Context, value string, key []byte) (SecurityMode, error) {
	level, err := parseSecurityLevel(value)
	if err != nil {
		return SecurityMode{}, err
	}
	if key == nil {
		seed, err := e.session.RequestSecuritySeed(ctx, level)
		if err != nil {
			return SecurityMode{}, err
		}
		sec := e.session.SecuritySnapshot()
		return SecurityMode{Level: level, Unlocked: sec.Unlocked, Seed: seed}, nil
	}
	if err := e.session.SendSecurityKey(ctx, level, key); err != nil {
		return SecurityMode{}, err
	}
	sec := e.session.SecuritySnapshot()
	return SecurityMode{Level: level, Unlocked: sec.Unlocked}, nil
}

func (e *ECUBackend) SubscribeData(ctx context.Context, paramIDs []string, rateHz uint32) (string, <-chan stream.Sample, error) {
	dids := make([]string, 0, len(paramIDs))
	for _, id := range paramIDs {
		did, _, err := e.resolveParam(id)
		if err != nil {
			return "", nil, err
		}
		dids = append(dids, fmt.Sprintf("0x%04X", did))
	}
	return e.streams.Subscribe(ctx, dids, rateHz)
}

func (e *ECUBackend) UnsubscribeData(ctx context.Context, subID string) error {
	return e.streams.Unsubscribe(ctx, subID)
}

// ListSubEntities/GetSubEntity: a leaf ECU backend has no children.
func (e *ECUBackend) ListSubEntities(ctx context.Context) ([]Entity, error) {
	return nil, nil
}

func (e *ECUBackend) GetSubEntity(ctx context.Context, id string) (DiagnosticBackend, error) {
	return nil, &sovderr.NotFound{Kind: "backend", ID: id}
}

// GetSoftwareInfo reads the standard identification block directly; a
// leaf ECU backend has no OTA package store of its own (that's the
// managed-ECU backend's job), so every package/flash operation below
// reports NotSupported.
func (e *ECUBackend) GetSoftwareInfo(ctx context.Context) (SoftwareInfo, error) {
	info := SoftwareInfo{}
	if msg, err := e.svc.ReadDataByIdentifier(ctx, 0xF189); err == nil {
		info.ActiveVersion = string(msg.Data)
	}
	if msg, err := e.svc.ReadDataByIdentifier(ctx, 0xF180); err == nil {
		info.BootSoftwareID = string(msg.Data)
	}
	if msg, err := e.svc.ReadDataByIdentifier(ctx, 0xF181); err == nil {
		info.AppSoftwareID = string(msg.Data)
	}
	return info, nil
}

func (e *ECUBackend) ReceivePackage(ctx context.Context, data []byte) (string, error) {
	return "", &sovderr.NotSupported{Msg: "leaf ECU backend has no software update store"}
}

func (e *ECUBackend) ListPackages(ctx context.Context) ([]PackageInfo, error) {
	return nil, &sovderr.NotSupported{Msg: "leaf ECU backend has no software update store"}
}

func (e *ECUBackend) GetPackage(ctx context.Context, packageID string) (PackageInfo, error) {
	return PackageInfo{}, &sovderr.NotSupported{Msg: "leaf ECU backend has no software update store"}
}

func (e *ECUBackend) VerifyPackage(ctx context.Context, packageID string) (VerifyResult, error) {
	return VerifyResult{}, &sovderr.NotSupported{Msg: "leaf ECU backend has no software update store"}
}

func (e *ECUBackend) DeletePackage(ctx context.Context, packageID string) error {
	return &sovderr.NotSupported{Msg: "leaf ECU backend has no software update store"}
}

func (e *ECUBackend) StartFlash(ctx context.Context, packageID string) (string, error) {
	return "", &sovderr.NotSupported{Msg: "leaf ECU backend has no flash pipeline"}
}

func (e *ECUBackend) GetFlashStatus(ctx context.Context, transferID string) (ota.FlashStatus, error) {
	return ota.FlashStatus{}, &sovderr.NotSupported{Msg: "leaf ECU backend has no flash pipeline"}
}

func (e *ECUBackend) ListFlashTransfers(ctx context.Context) ([]ota.FlashStatus, error) {
	return nil, &sovderr.NotSupported{Msg: "leaf ECU backend has no flash pipeline"}
}

func (e *ECUBackend) AbortFlash(ctx context.Context, transferID string) error {
	return &sovderr.NotSupported{Msg: "leaf ECU backend has no flash pipeline"}
}

func (e *ECUBackend) FinalizeFlash(ctx context.Context) error {
	return &sovderr.NotSupported{Msg: "leaf ECU backend has no flash pipeline"}
}

func (e *ECUBackend) CommitFlash(ctx context.Context) error {
	return &sovderr.NotSupported{Msg: "leaf ECU backend has no flash pipeline"}
}

func (e *ECUBackend) RollbackFlash(ctx context.Context) error {
	return &sovderr.NotSupported{Msg: "leaf ECU backend has no flash pipeline"}
}

func (e *ECUBackend) GetActivationState(ctx context.Context) (ActivationState, error) {
	return ActivationState{}, &sovderr.NotSupported{Msg: "leaf ECU backend has no flash pipeline"}
}

var _ DiagnosticBackend = (*ECUBackend)(nil)

func sessionName(id session.ID) string {
	switch id {
	case session.Default:
		return "default"
	case session.Programming:
		return "programming"
	case session.Extended:
		return "extended"
	case session.Engineering:
		return "engineering"
	default:
		return fmt.Sprintf("0x%02X", byte(id))
	}
}

func sessionByName(name string) (session.ID, bool) {
	switch name {
	case "default":
		return session.Default, true
	case "programming":
		return session.Programming, true
	case "extended":
		return session.Extended, true
	case "engineering":
		return session.Engineering, true
	default:
		return 0, false
	}
}

func parseSecurityLevel(value string) (byte, error) {
	var level int
	if _, err := fmt.Sscanf(value, "%d", &level); err != nil || level < 0 || level > 255 {
		return 0, &sovderr.InvalidRequest{Msg: fmt.Sprintf("invalid security level %q", value)}
	}
	return byte(level), nil
}
