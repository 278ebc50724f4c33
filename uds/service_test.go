package uds_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sovdgw/transport/transporttest"
	"sovdgw/uds"
)

func TestExchangeReturnsPositiveResponse(t *testing.T) {
	fa := transporttest.New()
	svc := uds.NewService(fa, uds.ServiceIDs{})

	fa.QueueResponse([]byte{0x50, 0x03})
	msg, err := svc.DiagnosticSessionControl(context.Background(), 0x03)
	require.NoError(t, err)
	assert.True(t, msg.IsPositive)
	assert.Equal(t, uds.ServiceDiagnosticSessionControl, msg.ServiceID)

	sent := fa.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte{0x10, 0x03}, sent[0])
}

func TestExchangeSurfacesNegativeResponse(t *testing.T) {
	fa := transporttest.New()
	svc := uds.NewService(fa, uds.ServiceIDs{})

	fa.QueueResponse([]byte{0x7F, 0x10, 0x12}) // subFunctionNotSupported
	_, err := svc.DiagnosticSessionControl(context.Background(), 0x99)
	require.Error(t, err)
}

func TestExchangeAbsorbsResponsePending(t *testing.T) {
	fa := transporttest.New()
	svc := uds.NewService(fa, uds.ServiceIDs{})

	fa.QueueResponse(
		[]byte{0x7F, 0x31, 0x78}, // response pending
		[]byte{0x7F, 0x31, 0x78}, // still pending
		[]byte{0x71, 0x01, 0x12, 0x34},
	)
	msg, err := svc.RoutineControl(context.Background(), 0x01, 0x1234, nil)
	require.NoError(t, err)
	assert.True(t, msg.IsPositive)

	// Only the original request is sent; response-pending retries must
	// not re-send the request.
	assert.Len(t, fa.Sent(), 1)
}

func TestServiceIDOverrideAppliesToWireFrame(t *testing.T) {
	fa := transporttest.New()
	ids := uds.NewServiceIDs(map[byte]byte{uds.ServiceWriteDataByIdentifier: 0x3D})
	svc := uds.NewService(fa, ids)

	fa.QueueResponse([]byte{0x7D, 0xF1, 0x90})
	_, err := svc.WriteDataByIdentifier(context.Background(), 0xF190, []byte{0x01})
	require.NoError(t, err)

	sent := fa.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, byte(0x3D), sent[0][0])
}

func TestReadDataByIdentifierDropsEchoedDID(t *testing.T) {
	fa := transporttest.New()
	svc := uds.NewService(fa, uds.ServiceIDs{})

	fa.QueueResponse([]byte{0x62, 0xF1, 0x90, 0xAA, 0xBB})
	msg, err := svc.ReadDataByIdentifier(context.Background(), 0xF190)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB}, msg.Data)
}

func TestRequestDownloadComputesMaxBlockLength(t *testing.T) {
	fa := transporttest.New()
	svc := uds.NewService(fa, uds.ServiceIDs{})

	fa.QueueResponse([]byte{0x74, 0x20, 0x01, 0xFE})
	maxLen, err := svc.RequestDownload(context.Background(), 0x00, 0x1000, 1024, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01FE-2), maxLen)
}

func TestRequestDownloadRejectsTinyMaxBlockLength(t *testing.T) {
	fa := transporttest.New()
	svc := uds.NewService(fa, uds.ServiceIDs{})

	fa.QueueResponse([]byte{0x74, 0x10, 0x01})
	_, err := svc.RequestDownload(context.Background(), 0x00, 0x1000, 1024, 4, 4)
	require.Error(t, err)
}

func TestTesterPresentSuppressedDoesNotAwaitResponse(t *testing.T) {
	fa := transporttest.New()
	svc := uds.NewService(fa, uds.ServiceIDs{})

	err := svc.TesterPresent(context.Background(), true)
	require.NoError(t, err)

	sent := fa.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte{0x3E, 0x80}, sent[0])
}

func TestRateClassForBucketsHz(t *testing.T) {
	rate, stop := uds.RateClassFor(0)
	assert.True(t, stop)

	rate, stop = uds.RateClassFor(1)
	assert.False(t, stop)
	assert.Equal(t, uds.PeriodicRateSlow, rate)

	rate, stop = uds.RateClassFor(3)
	assert.Equal(t, uds.PeriodicRateMedium, rate)

	rate, stop = uds.RateClassFor(20)
	assert.Equal(t, uds.PeriodicRateFast, rate)
}
