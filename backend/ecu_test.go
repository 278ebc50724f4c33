package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sovdgw/sovdconfig"
)

func TestECUReadDataResolvesConfiguredParameter(t *testing.T) {
	e, fa := newTestECUBackend(t, sovdconfig.SessionConfig{})
	e.params["vin"] = sovdconfig.ParameterDef{ID: "vin", DID: "F190", Writable: false}

	fa.QueueResponse([]byte{0x62, 0xF1, 0x90, 'A', 'B', 'C'})
	values, err := e.ReadData(context.Background(), []string{"vin"})
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "vin", values[0].ID)
	assert.Equal(t, []byte("ABC"), values[0].Value)
}

func TestECUReadDataUnknownParameterIsNotFound(t *testing.T) {
	e, _ := newTestECUBackend(t, sovdconfig.SessionConfig{})
	_, err := e.ReadData(context.Background(), []string{"nope"})
	require.Error(t, err)
}

func TestECUWriteDataRejectsReadOnlyParameter(t *testing.T) {
	e, _ := newTestECUBackend(t, sovdconfig.SessionConfig{})
	e.params["vin"] = sovdconfig.ParameterDef{ID: "vin", DID: "F190", Writable: false}

	err := e.WriteData(context.Background(), "vin", []byte("X"))
	require.Error(t, err)
}

func TestECUWriteDataSendsValueForWritableParameter(t *testing.T) {
	e, fa := newTestECUBackend(t, sovdconfig.SessionConfig{})
	e.params["custom"] = sovdconfig.ParameterDef{ID: "custom", DID: "F1A0", Writable: true}

	fa.QueueResponse([]byte{0x6E, 0xF1, 0xA0})
	err := e.WriteData(context.Background(), "custom", []byte{0x01})
	require.NoError(t, err)

	sent := fa.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, byte(0x2E), sent[0][0])
}

func TestECUGetFaultsDecodesStatusAvailabilityAndRecords(t *testing.T) {
	e, fa := newTestECUBackend(t, sovdconfig.SessionConfig{})

	// 0x59, subfunction echo (0x02), status-availability mask, then one
	// DTC record: P0301 roughly, with a status byte.
	fa.QueueResponse([]byte{0x59, 0x02, 0xFF, 0x03, 0x01, 0x00, 0x08})
	result, err := e.GetFaults(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, result.StatusAvailability)
	assert.Equal(t, byte(0xFF), *result.StatusAvailability)
	require.Len(t, result.Faults, 1)
	assert.Equal(t, byte(0x08), result.Faults[0].Status)
}

func TestECUClearFaultsDefaultsToAllGroups(t *testing.T) {
	e, fa := newTestECUBackend(t, sovdconfig.SessionConfig{})
	fa.QueueResponse([]byte{0x54})

	result, err := e.ClearFaults(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, result.Success)

	sent := fa.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte{0x14, 0xFF, 0xFF, 0xFF}, sent[0])
}

func TestECUStartOperationRequiresExtendedSessionThenRunsRoutine(t *testing.T) {
	e, fa := newTestECUBackend(t, sovdconfig.SessionConfig{})
	e.operations["reset_adaptation"] = sovdconfig.OperationConfig{
		ID: "reset_adaptation", RoutineID: 0x0203, SessionLevel: byte(3),
	}

	fa.QueueResponse([]byte{0x50, 0x03})                   // extended session
	fa.QueueResponse([]byte{0x71, 0x01, 0x02, 0x03, 0x00}) // routine start

	exec, err := e.StartOperation(context.Background(), "reset_adaptation", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, exec.ExecutionID)
	assert.Equal(t, "completed", exec.Status)

	status, err := e.GetOperationStatus(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, exec.ExecutionID, status.ExecutionID)
}

func TestECUStartOperationUnknownIDIsNotFound(t *testing.T) {
	e, _ := newTestECUBackend(t, sovdconfig.SessionConfig{})
	_, err := e.StartOperation(context.Background(), "missing", nil)
	require.Error(t, err)
}

func TestECUStopOperationIssuesRoutineStop(t *testing.T) {
	e, fa := newTestECUBackend(t, sovdconfig.SessionConfig{})
	e.operations["reset_adaptation"] = sovdconfig.OperationConfig{ID: "reset_adaptation", RoutineID: 0x0203}

	fa.QueueResponse([]byte{0x71, 0x01, 0x02, 0x03})
	exec, err := e.StartOperation(context.Background(), "reset_adaptation", nil)
	require.NoError(t, err)

	fa.QueueResponse([]byte{0x71, 0x02, 0x02, 0x03})
	require.NoError(t, e.StopOperation(context.Background(), exec.ExecutionID))

	status, err := e.GetOperationStatus(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "stopped", status.Status)
}

func TestECUControlOutputShortTermAdjust(t *testing.T) {
	e, fa := newTestECUBackend(t, sovdconfig.SessionConfig{})
	e.outputs["fan"] = sovdconfig.OutputConfig{ID: "fan", DID: 0xF200}

	fa.QueueResponse([]byte{0x6F, 0xF2, 0x00, 0x03, 0x64})
	result, err := e.ControlOutput(context.Background(), "fan", OutputShortTermAdjust, []byte{0x64})
	require.NoError(t, err)
	assert.True(t, result.Applied)
}

func TestECUControlOutputUnknownOutputIsNotFound(t *testing.T) {
	e, _ := newTestECUBackend(t, sovdconfig.SessionConfig{})
	_, err := e.ControlOutput(context.Background(), "missing", OutputReturnToECU, nil)
	require.Error(t, err)
}

func TestECUSessionModeRoundTrip(t *testing.T) {
	e, fa := newTestECUBackend(t, sovdconfig.SessionConfig{})

	mode, err := e.GetSessionMode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "default", mode.Session)

	fa.QueueResponse([]byte{0x50, 0x03})
	mode, err = e.SetSessionMode(context.Background(), "extended")
	require.NoError(t, err)
	assert.Equal(t, "extended", mode.Session)
}

func TestECUSetSessionModeRejectsUnknownName(t *testing.T) {
	e, _ := newTestECUBackend(t, sovdconfig.SessionConfig{})
	_, err := e.SetSessionMode(context.Background(), "banana")
	require.Error(t, err)
}

func TestECUSecurityAccessSeedThenKeyUnlocks(t *testing.T) {
	e, fa := newTestECUBackend(t, sovdconfig.SessionConfig{})

	fa.QueueResponse([]byte{0x67, 0x01, 0x11, 0x22})
	mode, err := e.SetSecurityMode(context.Background(), "1", nil)
	require.NoError(t, err)
	assert.False(t, mode.Unlocked)
	assert.Equal(t, []byte{0x11, 0x22}, mode.Seed)

	fa.QueueResponse([]byte{0x67, 0x02})
	mode, err = e.SetSecurityMode(context.Background(), "1", []byte{0x11, 0x22})
	require.NoError(t, err)
	assert.True(t, mode.Unlocked)
}

func TestECUSubscribeUnsubscribeDataDelegatesToStreamManager(t *testing.T) {
	e, fa := newTestECUBackend(t, sovdconfig.SessionConfig{})
	e.params["vin"] = sovdconfig.ParameterDef{ID: "vin", DID: "F190"}

	fa.QueueResponse([]byte{0x6A, 0x03})
	subID, ch, err := e.SubscribeData(context.Background(), []string{"vin"}, 1)
	require.NoError(t, err)
	require.NotEmpty(t, subID)
	require.NotNil(t, ch)

	fa.QueueResponse([]byte{0x6A, 0x02})
	require.NoError(t, e.UnsubscribeData(context.Background(), subID))
}

func TestECUSoftwareAndFlashOperationsAreNotSupported(t *testing.T) {
	e, _ := newTestECUBackend(t, sovdconfig.SessionConfig{})

	_, err := e.ReceivePackage(context.Background(), []byte{0x01})
	require.Error(t, err)

	_, err = e.StartFlash(context.Background(), "pkg1")
	require.Error(t, err)

	entities, err := e.ListSubEntities(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entities)
}
