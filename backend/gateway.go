package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sovdgw/ota"
	"sovdgw/sovdconfig"
	"sovdgw/sovderr"
	"sovdgw/stream"
)

// GatewayBackend federates a set of child DiagnosticBackends under a
// prefix. It is a pure routing entity: its own Capabilities is always
// exactly {sub_entities: true}, regardless of what any child reports.
type GatewayBackend struct {
	entity Entity

	mu       sync.RWMutex
	children map[string]DiagnosticBackend
}

// NewGatewayBackend builds an empty gateway. Children are registered
// afterward with RegisterBackend, since they're typically constructed
// independently (different transports, proxies) by the composition root.
func NewGatewayBackend(cfg sovdconfig.GatewayConfig) *GatewayBackend {
	return &GatewayBackend{
		entity: Entity{
			ID:          cfg.ID,
			Name:        cfg.Name,
			Type:        "gateway",
			Description: cfg.Description,
			Href:        fmt.Sprintf("/vehicle/v1/components/%s", cfg.ID),
			Status:      "operational",
		},
		children: make(map[string]DiagnosticBackend),
	}
}

// RegisterBackend adds a child under its own entity id. A gateway's own
// capabilities never change as a result — they're always sub_entities-only.
func (g *GatewayBackend) RegisterBackend(child DiagnosticBackend) {
	id := child.EntityInfo().ID
	g.mu.Lock()
	defer g.mu.Unlock()
	g.children[id] = child
}

// UnregisterBackend removes a child by id, if present.
func (g *GatewayBackend) UnregisterBackend(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.children, id)
}

func (g *GatewayBackend) child(id string) (DiagnosticBackend, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.children[id]
	if !ok {
		return nil, &sovderr.NotFound{Kind: "backend", ID: id}
	}
	return b, nil
}

func (g *GatewayBackend) EntityInfo() Entity          { return g.entity }
func (g *GatewayBackend) Capabilities() Capabilities  { return GatewayCapabilities() }

func (g *GatewayBackend) ListParameters(ctx context.Context) ([]ParameterInfo, error) {
	return nil, nil
}

// ReadData groups param ids by their leading child prefix, issues one
// call per child with the de-prefixed local ids, then re-prefixes every
// returned id with the child's name before concatenating results.
func (g *GatewayBackend) ReadData(ctx context.Context, paramIDs []string) ([]DataValue, error) {
	byChild := make(map[string][]string)
	order := make([]string, 0)
	for _, id := range paramIDs {
		childID, local, ok := SplitEntityPrefix(id)
		if !ok {
			return nil, &sovderr.InvalidRequest{Msg: fmt.Sprintf("parameter id must be prefixed with a backend id: %q", id)}
		}
		if _, seen := byChild[childID]; !seen {
			order = append(order, childID)
		}
		byChild[childID] = append(byChild[childID], local)
	}

	var all []DataValue
	for _, childID := range order {
		child, err := g.child(childID)
		if err != nil {
			return nil, err
		}
		values, err := child.ReadData(ctx, byChild[childID])
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			v.ID = PrefixedID(v.ID, childID)
			all = append(all, v)
		}
	}
	return all, nil
}

// WriteData splits once on the leading prefix and delegates; no
// re-prefixing is needed for a single-arg write.
func (g *GatewayBackend) WriteData(ctx context.Context, paramID string, value []byte) error {
	childID, local, ok := SplitEntityPrefix(paramID)
	if !ok {
		return &sovderr.InvalidRequest{Msg: fmt.Sprintf("parameter id must be prefixed with a backend id: %q", paramID)}
	}
	child, err := g.child(childID)
	if err != nil {
		return err
	}
	return child.WriteData(ctx, local, value)
}

// GetFaults concatenates every child's fault list, re-prefixing ids. The
// aggregated status-availability mask is always nil: children may
// disagree on it, so the gateway reports it as unknown rather than pick
// one arbitrarily.
func (g *GatewayBackend) GetFaults(ctx context.Context, filter *FaultFilter) (FaultsResult, error) {
	g.mu.RLock()
	children := make(map[string]DiagnosticBackend, len(g.children))
	for id, c := range g.children {
		children[id] = c
	}
	g.mu.RUnlock()

	var all []Fault
	for childID, child := range children {
		result, err := child.GetFaults(ctx, filter)
		if err != nil {
			continue
		}
		for _, f := range result.Faults {
			f.ID = PrefixedID(f.ID, childID)
			f.Href = fmt.Sprintf("/vehicle/v1/components/%s/faults/%s", g.entity.ID, f.ID)
			all = append(all, f)
		}
	}
	return FaultsResult{Faults: all, StatusAvailability: nil}, nil
}

func (g *GatewayBackend) GetFaultDetail(ctx context.Context, faultID string) (Fault, error) {
	childID, local, ok := SplitEntityPrefix(faultID)
	if !ok {
		return Fault{}, &sovderr.NotFound{Kind: "fault", ID: faultID}
	}
	child, err := g.child(childID)
	if err != nil {
		return Fault{}, err
	}
	f, err := child.GetFaultDetail(ctx, local)
	if err != nil {
		return Fault{}, err
	}
	f.ID = PrefixedID(f.ID, childID)
	f.Href = fmt.Sprintf("/vehicle/v1/components/%s/faults/%s", g.entity.ID, f.ID)
	return f, nil
}

// ClearFaults fans out to every child, tolerating a per-child
// NotSupported. Overall success iff any child succeeded.
func (g *GatewayBackend) ClearFaults(ctx context.Context, group *uint32) (ClearFaultsResult, error) {
	g.mu.RLock()
	children := make(map[string]DiagnosticBackend, len(g.children))
	for id, c := range g.children {
		children[id] = c
	}
	g.mu.RUnlock()

	var totalCleared uint32
	anySuccess := false
	var messages []string
	for childID, child := range children {
		result, err := child.ClearFaults(ctx, group)
		var notSupported *sovderr.NotSupported
		switch {
		case err == nil:
			anySuccess = anySuccess || result.Success
			totalCleared += result.ClearedCount
			messages = append(messages, fmt.Sprintf("%s: %s", childID, result.Message))
		case asNotSupported(err, &notSupported):
			// Not every child supports clearing faults; skip and continue.
		default:
			messages = append(messages, fmt.Sprintf("%s: error - %v", childID, err))
		}
	}
	return ClearFaultsResult{Success: anySuccess, ClearedCount: totalCleared, Message: joinMessages(messages)}, nil
}

func (g *GatewayBackend) ListOperations(ctx context.Context) ([]OperationInfo, error) {
	g.mu.RLock()
	children := make(map[string]DiagnosticBackend, len(g.children))
	for id, c := range g.children {
		children[id] = c
	}
	g.mu.RUnlock()

	var all []OperationInfo
	for childID, child := range children {
		ops, err := child.ListOperations(ctx)
		if err != nil {
			continue
		}
		for _, op := range ops {
			op.ID = PrefixedID(op.ID, childID)
			op.Href = fmt.Sprintf("/vehicle/v1/components/%s/operations/%s", g.entity.ID, op.ID)
			all = append(all, op)
		}
	}
	return all, nil
}

func (g *GatewayBackend) StartOperation(ctx context.Context, operationID string, params []byte) (OperationExecution, error) {
	childID, local, ok := SplitEntityPrefix(operationID)
	if !ok {
		return OperationExecution{}, &sovderr.NotFound{Kind: "operation", ID: operationID}
	}
	child, err := g.child(childID)
	if err != nil {
		return OperationExecution{}, err
	}
	exec, err := child.StartOperation(ctx, local, params)
	if err != nil {
		return OperationExecution{}, err
	}
	exec.ExecutionID = PrefixedID(exec.ExecutionID, childID)
	exec.OperationID = PrefixedID(exec.OperationID, childID)
	return exec, nil
}

func (g *GatewayBackend) GetOperationStatus(ctx context.Context, executionID string) (OperationExecution, error) {
	childID, local, ok := SplitEntityPrefix(executionID)
	if !ok {
		return OperationExecution{}, &sovderr.NotFound{Kind: "execution", ID: executionID}
	}
	child, err := g.child(childID)
	if err != nil {
		return OperationExecution{}, err
	}
	exec, err := child.GetOperationStatus(ctx, local)
	if err != nil {
		return OperationExecution{}, err
	}
	exec.ExecutionID = PrefixedID(exec.ExecutionID, childID)
	exec.OperationID = PrefixedID(exec.OperationID, childID)
	return exec, nil
}

func (g *GatewayBackend) StopOperation(ctx context.Context, executionID string) error {
	childID, local, ok := SplitEntityPrefix(executionID)
	if !ok {
		return &sovderr.NotFound{Kind: "execution", ID: executionID}
	}
	child, err := g.child(childID)
	if err != nil {
		return err
	}
	return child.StopOperation(ctx, local)
}

func (g *GatewayBackend) ListOutputs(ctx context.Context) ([]OutputInfo, error) {
	g.mu.RLock()
	children := make(map[string]DiagnosticBackend, len(g.children))
	for id, c := range g.children {
		children[id] = c
	}
	g.mu.RUnlock()

	var all []OutputInfo
	for childID, child := range children {
		outputs, err := child.ListOutputs(ctx)
		if err != nil {
			continue
		}
		for _, o := range outputs {
			o.ID = PrefixedID(o.ID, childID)
			o.Href = fmt.Sprintf("/vehicle/v1/components/%s/outputs/%s", g.entity.ID, o.ID)
			all = append(all, o)
		}
	}
	return all, nil
}

func (g *GatewayBackend) GetOutput(ctx context.Context, outputID string) (OutputDetail, error) {
	childID, local, ok := SplitEntityPrefix(outputID)
	if !ok {
		return OutputDetail{}, &sovderr.NotFound{Kind: "output", ID: outputID}
	}
	child, err := g.child(childID)
	if err != nil {
		return OutputDetail{}, err
	}
	return child.GetOutput(ctx, local)
}

func (g *GatewayBackend) ControlOutput(ctx context.Context, outputID string, action OutputControlAction, value []byte) (IOControlResult, error) {
	childID, local, ok := SplitEntityPrefix(outputID)
	if !ok {
		return IOControlResult{}, &sovderr.NotFound{Kind: "output", ID: outputID}
	}
	child, err := g.child(childID)
	if err != nil {
		return IOControlResult{}, err
	}
	return child.ControlOutput(ctx, local, action, value)
}

// GetSessionMode/SetSessionMode/GetSecurityMode/SetSecurityMode are
// gateway-level no-ops: session/security belong to leaf ECUs and their
// sub-entities, not to the routing node itself.
func (g *GatewayBackend) GetSessionMode(ctx context.Context) (SessionMode, error) {
	return SessionMode{}, &sovderr.NotSupported{Msg: "gateway has no session of its own"}
}

func (g *GatewayBackend) SetSessionMode(ctx context.Context, session string) (SessionMode, error) {
	return SessionMode{}, &sovderr.NotSupported{Msg: "gateway has no session of its own"}
}

func (g *GatewayBackend) GetSecurityMode(ctx context.Context) (SecurityMode, error) {
	return SecurityMode{}, &sovderr.NotSupported{Msg: "gateway has no security state of its own"}
}

func (g *GatewayBackend) SetSecurityMode(ctx context.Context, value string, key []byte) (SecurityMode, error) {
	return SecurityMode{}, &sovderr.NotSupported{Msg: "gateway has no security state of its own"}
}

// SubscribeData refuses subscriptions that span multiple children — a
// client must create one subscription per child.
func (g *GatewayBackend) SubscribeData(ctx context.Context, paramIDs []string, rateHz uint32) (string, <-chan stream.Sample, error) {
	if len(paramIDs) == 0 {
		return "", nil, &sovderr.InvalidRequest{Msg: "no parameters specified"}
	}
	var childID string
	local := make([]string, 0, len(paramIDs))
	for _, id := range paramIDs {
		cid, l, ok := SplitEntityPrefix(id)
		if !ok {
			return "", nil, &sovderr.InvalidRequest{Msg: fmt.Sprintf("parameter id must be prefixed with a backend id: %q", id)}
		}
		if childID == "" {
			childID = cid
		} else if childID != cid {
			return "", nil, &sovderr.InvalidRequest{Msg: "subscription across multiple backends not supported"}
		}
		local = append(local, l)
	}
	child, err := g.child(childID)
	if err != nil {
		return "", nil, err
	}
	return child.SubscribeData(ctx, local, rateHz)
}

func (g *GatewayBackend) UnsubscribeData(ctx context.Context, subID string) error {
	childID, local, ok := SplitEntityPrefix(subID)
	if !ok {
		return &sovderr.NotFound{Kind: "subscription", ID: subID}
	}
	child, err := g.child(childID)
	if err != nil {
		return err
	}
	return child.UnsubscribeData(ctx, local)
}

// ListSubEntities returns every registered child's entity info, with its
// href rewritten to be relative to this gateway, sorted by id for stable
// ordering across repeated calls.
func (g *GatewayBackend) ListSubEntities(ctx context.Context) ([]Entity, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	entities := make([]Entity, 0, len(g.children))
	for id, child := range g.children {
		info := child.EntityInfo()
		info.Href = fmt.Sprintf("/vehicle/v1/components/%s/apps/%s", g.entity.ID, id)
		entities = append(entities, info)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
	return entities, nil
}

func (g *GatewayBackend) GetSubEntity(ctx context.Context, id string) (DiagnosticBackend, error) {
	return g.child(id)
}

func (g *GatewayBackend) GetSoftwareInfo(ctx context.Context) (SoftwareInfo, error) {
	return SoftwareInfo{}, &sovderr.NotSupported{Msg: "gateway has no software identity of its own"}
}

// The remaining OTA package/flash operations have no meaning at the
// gateway level — they belong to a managed-ECU sub-entity, reached via
// GetSubEntity.
func (g *GatewayBackend) ReceivePackage(ctx context.Context, data []byte) (string, error) {
	return "", &sovderr.NotSupported{Msg: "software update is a sub-entity operation"}
}

func (g *GatewayBackend) ListPackages(ctx context.Context) ([]PackageInfo, error) {
	return nil, &sovderr.NotSupported{Msg: "software update is a sub-entity operation"}
}

func (g *GatewayBackend) GetPackage(ctx context.Context, packageID string) (PackageInfo, error) {
	return PackageInfo{}, &sovderr.NotSupported{Msg: "software update is a sub-entity operation"}
}

func (g *GatewayBackend) VerifyPackage(ctx context.Context, packageID string) (VerifyResult, error) {
	return VerifyResult{}, &sovderr.NotSupported{Msg: "software update is a sub-entity operation"}
}

func (g *GatewayBackend) DeletePackage(ctx context.Context, packageID string) error {
	return &sovderr.NotSupported{Msg: "software update is a sub-entity operation"}
}

func (g *GatewayBackend) StartFlash(ctx context.Context, packageID string) (string, error) {
	return "", &sovderr.NotSupported{Msg: "software update is a sub-entity operation"}
}

func (g *GatewayBackend) GetFlashStatus(ctx context.Context, transferID string) (ota.FlashStatus, error) {
	return ota.FlashStatus{}, &sovderr.NotSupported{Msg: "software update is a sub-entity operation"}
}

func (g *GatewayBackend) ListFlashTransfers(ctx context.Context) ([]ota.FlashStatus, error) {
	return nil, &sovderr.NotSupported{Msg: "software update is a sub-entity operation"}
}

func (g *GatewayBackend) AbortFlash(ctx context.Context, transferID string) error {
	return &sovderr.NotSupported{Msg: "software update is a sub-entity operation"}
}

func (g *GatewayBackend) FinalizeFlash(ctx context.Context) error {
	return &sovderr.NotSupported{Msg: "software update is a sub-entity operation"}
}

func (g *GatewayBackend) CommitFlash(ctx context.Context) error {
	return &sovderr.NotSupported{Msg: "software update is a sub-entity operation"}
}

func (g *GatewayBackend) RollbackFlash(ctx context.Context) error {
	return &sovderr.NotSupported{Msg: "software update is a sub-entity operation"}
}

func (g *GatewayBackend) GetActivationState(ctx context.Context) (ActivationState, error) {
	return ActivationState{}, &sovderr.NotSupported{Msg: "software update is a sub-entity operation"}
}

func asNotSupported(err error, target **sovderr.NotSupported) bool {
	ns, ok := err.(*sovderr.NotSupported)
	if ok {
		*target = ns
	}
	return ok
}

func joinMessages(messages []string) string {
	out := ""
	for i, m := range messages {
		if i > 0 {
			out += "; "
		}
		out += m
	}
	return out
}

var _ DiagnosticBackend = (*GatewayBackend)(nil)
