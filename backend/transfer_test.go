package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sovdgw/sovdconfig"
	"sovdgw/transport/transporttest"
)

func newTestECUBackend(t *testing.T, sessionCfg sovdconfig.SessionConfig) (*ECUBackend, *transporttest.FakeAdapter) {
	t.Helper()
	fa := transporttest.New()
	e := NewECUBackend(fa, sovdconfig.ECUConfig{ID: "engine", Session: sessionCfg})
	t.Cleanup(e.Close)
	return e, fa
}

func unlockProgramming(t *testing.T, ctx context.Context, e *ECUBackend, fa *transporttest.FakeAdapter) {
	t.Helper()
	fa.QueueResponse([]byte{0x50, 0x02})
	_, err := e.SetSessionMode(ctx, "programming")
	require.NoError(t, err)

	fa.QueueResponse([]byte{0x67, 0x01, 0x11, 0x22})
	_, err = e.SetSecurityMode(ctx, "1", nil)
	require.NoError(t, err)

	fa.QueueResponse([]byte{0x67, 0x02})
	_, err = e.SetSecurityMode(ctx, "1", []byte{0x11, 0x22})
	require.NoError(t, err)
}

// TestRequestDownloadRequiresSessionAndSecurity confirms that
// RequestDownload in the Default session without unlocked security is
// rejected before any transport traffic is sent.
func TestRequestDownloadRequiresSessionAndSecurity(t *testing.T) {
	ctx := context.Background()
	e, fa := newTestECUBackend(t, sovdconfig.SessionConfig{})

	_, err := e.RequestDownload(ctx, 0x00, 0x1000, 1024, 4, 4)
	require.Error(t, err)
	assert.Empty(t, fa.Sent())
}

// TestTransferDataSequencing covers the block-counter lifecycle: base
// value and increment per block.
func TestTransferDataSequencing(t *testing.T) {
	ctx := context.Background()
	e, fa := newTestECUBackend(t, sovdconfig.SessionConfig{BlockCounterBase: 0, BlockCounterWrap: 0})
	unlockProgramming(t, ctx, e, fa)

	fa.QueueResponse([]byte{0x74, 0x20, 0x01, 0xFE})
	maxLen, err := e.RequestDownload(ctx, 0x00, 0x1000, 1024, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01FE-2), maxLen)

	for i := 0; i < 3; i++ {
		fa.QueueResponse([]byte{0x76})
		require.NoError(t, e.TransferData(ctx, []byte{0xDE, 0xAD}))
	}
	received, total, active := e.TransferProgress()
	assert.Equal(t, uint64(6), received)
	assert.Equal(t, uint64(1024), total)
	assert.True(t, active)

	sent := fa.Sent()
	// The three TransferData frames are the last three sent; their
	// leading sequence-counter bytes must be 0, 1, 2.
	require.Len(t, sent, 7) // 3 unlock frames + RequestDownload + 3x TransferData
	assert.Equal(t, byte(0x00), sent[4][1])
	assert.Equal(t, byte(0x01), sent[5][1])
	assert.Equal(t, byte(0x02), sent[6][1])
}

// TestBlockCounterWrapsAfter0xFF confirms that after the counter reaches
// 0xFF, the next expected counter is the configured wrap value rather
// than overflowing.
func TestBlockCounterWrapsAfter0xFF(t *testing.T) {
	ctx := context.Background()
	e, fa := newTestECUBackend(t, sovdconfig.SessionConfig{BlockCounterBase: 0xFD, BlockCounterWrap: 0x01})
	unlockProgramming(t, ctx, e, fa)

	fa.QueueResponse([]byte{0x74, 0x20, 0x01, 0xFE})
	_, err := e.RequestDownload(ctx, 0x00, 0x10, 16, 4, 4)
	require.NoError(t, err)

	// 0xFD -> 0xFE -> 0xFF -> wrap to 0x01
	expected := []byte{0xFD, 0xFE, 0xFF}
	for _, want := range expected {
		fa.QueueResponse([]byte{0x76})
		require.NoError(t, e.TransferData(ctx, []byte{0x00}))
		sent := fa.Sent()
		assert.Equal(t, want, sent[len(sent)-1][1])
	}

	fa.QueueResponse([]byte{0x76})
	require.NoError(t, e.TransferData(ctx, []byte{0x00}))
	sent := fa.Sent()
	assert.Equal(t, byte(0x01), sent[len(sent)-1][1], "counter must wrap to the configured wrap value after 0xFF")
}

// TestTransferSequenceErrorInvalidatesState: the ECU answers NRC 0x73 to
// an out-of-order block, and the transfer is then permanently
// invalidated — a later TransferData is rejected without reaching the
// transport.
func TestTransferSequenceErrorInvalidatesState(t *testing.T) {
	ctx := context.Background()
	e, fa := newTestECUBackend(t, sovdconfig.SessionConfig{})
	unlockProgramming(t, ctx, e, fa)

	fa.QueueResponse([]byte{0x74, 0x20, 0x01, 0xFE})
	_, err := e.RequestDownload(ctx, 0x00, 0x100, 256, 4, 4)
	require.NoError(t, err)

	fa.QueueResponse([]byte{0x7F, 0x36, 0x73})
	err = e.TransferData(ctx, []byte{0x01})
	require.Error(t, err)

	sentBefore := len(fa.Sent())
	err = e.TransferData(ctx, []byte{0x02})
	require.Error(t, err)
	assert.Equal(t, sentBefore, len(fa.Sent()), "an invalidated transfer must not reach the transport again")
}

// TestSessionResetToDefaultInvalidatesTransfer: after a successful
// RequestDownload, a transition to Default drops the transfer state so a
// later TransferData is rejected as a sequence error.
func TestSessionResetToDefaultInvalidatesTransfer(t *testing.T) {
	ctx := context.Background()
	e, fa := newTestECUBackend(t, sovdconfig.SessionConfig{})
	unlockProgramming(t, ctx, e, fa)

	fa.QueueResponse([]byte{0x74, 0x20, 0x01, 0xFE})
	_, err := e.RequestDownload(ctx, 0x00, 0x100, 256, 4, 4)
	require.NoError(t, err)

	fa.QueueResponse([]byte{0x50, 0x01})
	_, err = e.SetSessionMode(ctx, "default")
	require.NoError(t, err)

	err = e.TransferData(ctx, []byte{0x01})
	require.Error(t, err)
}

// TestECUResetNotifiesSessionManager confirms that after a successful UDS
// ECU reset, the Session Manager is told to drop its session/security
// bookkeeping rather than believing the old session survived the reset.
func TestECUResetNotifiesSessionManager(t *testing.T) {
	ctx := context.Background()
	e, fa := newTestECUBackend(t, sovdconfig.SessionConfig{})
	unlockProgramming(t, ctx, e, fa)

	fa.QueueResponse([]byte{0x51, 0x01})
	require.NoError(t, e.ECUReset(ctx, 0x01))

	mode, err := e.GetSessionMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "default", mode.Session)

	sec, err := e.GetSecurityMode(ctx)
	require.NoError(t, err)
	assert.False(t, sec.Unlocked)
}
