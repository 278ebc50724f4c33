package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sovdgw/ota"
	"sovdgw/sovdconfig"
	"sovdgw/sovderr"
	"sovdgw/stream"
)

// fakeBackend is a minimal DiagnosticBackend stub for exercising
// GatewayBackend's routing behaviour without a real ECU or proxy.
type fakeBackend struct {
	id           string
	readDataFn   func(paramIDs []string) ([]DataValue, error)
	faultsFn     func() (FaultsResult, error)
	clearFaultsFn func() (ClearFaultsResult, error)
	subscribeFn  func(paramIDs []string) (string, <-chan stream.Sample, error)
}

func (f *fakeBackend) EntityInfo() Entity {
	return Entity{ID: f.id, Name: f.id, Type: "ecu", Href: "/vehicle/v1/components/" + f.id}
}
func (f *fakeBackend) Capabilities() Capabilities { return UDSEcuCapabilities() }

func (f *fakeBackend) ListParameters(ctx context.Context) ([]ParameterInfo, error) { return nil, nil }

func (f *fakeBackend) ReadData(ctx context.Context, paramIDs []string) ([]DataValue, error) {
	if f.readDataFn != nil {
		return f.readDataFn(paramIDs)
	}
	return nil, nil
}

func (f *fakeBackend) WriteData(ctx context.Context, paramID string, value []byte) error { return nil }

func (f *fakeBackend) GetFaults(ctx context.Context, filter *FaultFilter) (FaultsResult, error) {
	if f.faultsFn != nil {
		return f.faultsFn()
	}
	return FaultsResult{}, nil
}

func (f *fakeBackend) GetFaultDetail(ctx context.Context, faultID string) (Fault, error) {
	return Fault{ID: faultID}, nil
}

func (f *fakeBackend) ClearFaults(ctx context.Context, group *uint32) (ClearFaultsResult, error) {
	if f.clearFaultsFn != nil {
		return f.clearFaultsFn()
	}
	return ClearFaultsResult{Success: true}, nil
}

func (f *fakeBackend) ListOperations(ctx context.Context) ([]OperationInfo, error) { return nil, nil }
func (f *fakeBackend) StartOperation(ctx context.Context, operationID string, params []byte) (OperationExecution, error) {
	return OperationExecution{}, nil
}
func (f *fakeBackend) GetOperationStatus(ctx context.Context, executionID string) (OperationExecution, error) {
	return OperationExecution{}, nil
}
func (f *fakeBackend) StopOperation(ctx context.Context, executionID string) error { return nil }

func (f *fakeBackend) ListOutputs(ctx context.Context) ([]OutputInfo, error) { return nil, nil }
func (f *fakeBackend) GetOutput(ctx context.Context, outputID string) (OutputDetail, error) {
	return OutputDetail{}, nil
}
func (f *fakeBackend) ControlOutput(ctx context.Context, outputID string, action OutputControlAction, value []byte) (IOControlResult, error) {
	return IOControlResult{}, nil
}

func (f *fakeBackend) GetSessionMode(ctx context.Context) (SessionMode, error) { return SessionMode{}, nil }
func (f *fakeBackend) SetSessionMode(ctx context.Context, session string) (SessionMode, error) {
	return SessionMode{}, nil
}
func (f *fakeBackend) GetSecurityMode(ctx context.Context) (SecurityMode, error) {
	return SecurityMode{}, nil
}
func (f *fakeBackend) SetSecurityMode(ctx context.Context, value string, key []byte) (SecurityMode, error) {
	return SecurityMode{}, nil
}

func (f *fakeBackend) SubscribeData(ctx context.Context, paramIDs []string, rateHz uint32) (string, <-chan stream.Sample, error) {
	if f.subscribeFn != nil {
		return f.subscribeFn(paramIDs)
	}
	return "", nil, &sovderr.NotSupported{Msg: "not configured"}
}
func (f *fakeBackend) UnsubscribeData(ctx context.Context, subID string) error { return nil }

func (f *fakeBackend) ListSubEntities(ctx context.Context) ([]Entity, error) { return nil, nil }
func (f *fakeBackend) GetSubEntity(ctx context.Context, id string) (DiagnosticBackend, error) {
	return nil, &sovderr.NotFound{Kind: "backend", ID: id}
}

func (f *fakeBackend) GetSoftwareInfo(ctx context.Context) (SoftwareInfo, error) { return SoftwareInfo{}, nil }
func (f *fakeBackend) ReceivePackage(ctx context.Context, data []byte) (string, error) { return "", nil }
func (f *fakeBackend) ListPackages(ctx context.Context) ([]PackageInfo, error)        { return nil, nil }
func (f *fakeBackend) GetPackage(ctx context.Context, packageID string) (PackageInfo, error) {
	return PackageInfo{}, nil
}
func (f *fakeBackend) VerifyPackage(ctx context.Context, packageID string) (VerifyResult, error) {
	return VerifyResult{}, nil
}
func (f *fakeBackend) DeletePackage(ctx context.Context, packageID string) error { return nil }

func (f *fakeBackend) StartFlash(ctx context.Context, packageID string) (string, error) { return "", nil }
func (f *fakeBackend) GetFlashStatus(ctx context.Context, transferID string) (ota.FlashStatus, error) {
	return ota.FlashStatus{}, nil
}
func (f *fakeBackend) ListFlashTransfers(ctx context.Context) ([]ota.FlashStatus, error) {
	return nil, nil
}
func (f *fakeBackend) AbortFlash(ctx context.Context, transferID string) error { return nil }
func (f *fakeBackend) FinalizeFlash(ctx context.Context) error                { return nil }
func (f *fakeBackend) CommitFlash(ctx context.Context) error                  { return nil }
func (f *fakeBackend) RollbackFlash(ctx context.Context) error                { return nil }
func (f *fakeBackend) GetActivationState(ctx context.Context) (ActivationState, error) {
	return ActivationState{}, nil
}

var _ DiagnosticBackend = (*fakeBackend)(nil)

func newTestGateway() (*GatewayBackend, *fakeBackend, *fakeBackend) {
	gw := NewGatewayBackend(sovdconfig.GatewayConfig{ID: "gw", Name: "Gateway"})
	engine := &fakeBackend{id: "engine"}
	brakes := &fakeBackend{id: "brakes"}
	gw.RegisterBackend(engine)
	gw.RegisterBackend(brakes)
	return gw, engine, brakes
}

func TestGatewayCapabilitiesAreAlwaysSubEntitiesOnly(t *testing.T) {
	gw, _, _ := newTestGateway()
	assert.Equal(t, Capabilities{SubEntities: true}, gw.Capabilities())
}

func TestGatewayReadDataRoutesByPrefixAndRePrefixesResults(t *testing.T) {
	gw, engine, _ := newTestGateway()
	engine.readDataFn = func(paramIDs []string) ([]DataValue, error) {
		require.Equal(t, []string{"vin"}, paramIDs)
		return []DataValue{{ID: "vin", Value: []byte("1HG")}}, nil
	}

	values, err := gw.ReadData(context.Background(), []string{"engine/vin"})
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "engine/vin", values[0].ID)
}

func TestGatewayReadDataRejectsUnprefixedID(t *testing.T) {
	gw, _, _ := newTestGateway()
	_, err := gw.ReadData(context.Background(), []string{"vin"})
	require.Error(t, err)
	var invalid *sovderr.InvalidRequest
	assert.ErrorAs(t, err, &invalid)
}

func TestGatewayReadDataRejectsUnknownChild(t *testing.T) {
	gw, _, _ := newTestGateway()
	_, err := gw.ReadData(context.Background(), []string{"transmission/vin"})
	require.Error(t, err)
	var notFound *sovderr.NotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestGatewayClearFaultsToleratesChildWithoutSupport(t *testing.T) {
	gw, engine, brakes := newTestGateway()
	engine.clearFaultsFn = func() (ClearFaultsResult, error) {
		return ClearFaultsResult{}, &sovderr.NotSupported{Msg: "no faults here"}
	}
	brakes.clearFaultsFn = func() (ClearFaultsResult, error) {
		return ClearFaultsResult{Success: true, ClearedCount: 3}, nil
	}

	result, err := gw.ClearFaults(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, uint32(3), result.ClearedCount)
}

func TestGatewaySubscribeDataRejectsCrossChildSet(t *testing.T) {
	gw, _, _ := newTestGateway()
	_, _, err := gw.SubscribeData(context.Background(), []string{"engine/vin", "brakes/wear"}, 1)
	require.Error(t, err)
}

func TestGatewaySubscribeDataDelegatesToSingleChild(t *testing.T) {
	gw, engine, _ := newTestGateway()
	ch := make(chan stream.Sample)
	engine.subscribeFn = func(paramIDs []string) (string, <-chan stream.Sample, error) {
		require.Equal(t, []string{"vin"}, paramIDs)
		return "sub1", ch, nil
	}

	subID, got, err := gw.SubscribeData(context.Background(), []string{"engine/vin"}, 1)
	require.NoError(t, err)
	assert.Equal(t, "sub1", subID)
	assert.NotNil(t, got)
}

func TestGatewayListSubEntitiesSortedWithRewrittenHref(t *testing.T) {
	gw, _, _ := newTestGateway()
	entities, err := gw.ListSubEntities(context.Background())
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "brakes", entities[0].ID)
	assert.Equal(t, "engine", entities[1].ID)
	assert.Equal(t, "/vehicle/v1/components/gw/apps/brakes", entities[0].Href)
}

func TestGatewaySessionAndSoftwareOperationsAreNotSupported(t *testing.T) {
	gw, _, _ := newTestGateway()

	_, err := gw.GetSessionMode(context.Background())
	require.Error(t, err)

	_, err = gw.GetSoftwareInfo(context.Background())
	require.Error(t, err)

	_, err = gw.StartFlash(context.Background(), "pkg1")
	require.Error(t, err)
}
