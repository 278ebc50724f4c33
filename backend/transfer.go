package backend

import (
	"context"
	"errors"

	"sovdgw/session"
	"sovdgw/sovderr"
	"sovdgw/uds"
)

// downloadState is the ECU-side state of an in-flight block transfer:
// address/size/received plus the block counter sequencing TransferData
// requests must follow. It belongs to ECUBackend rather than
// uds.Service, the same way session/security state does, so the UDS
// service itself stays stateless.
type downloadState struct {
	active          bool
	addr            uint64
	totalSize       uint64
	received        uint64
	expectedCounter byte
	defaultEpoch    uint64 // session.Manager.DefaultEpoch() captured at RequestDownload
}

// ECUReset issues UDS 0x11 and updates the Session Manager's bookkeeping
// to reflect the reset: session drops to Default, security re-locks, any
// in-flight transfer is invalidated. Not part of the uniform
// DiagnosticBackend interface — a leaf ECU's own reset is invoked by
// whatever external collaborator models it as a distinct operation,
// rather than folded into the generic data/fault/operation surface.
func (e *ECUBackend) ECUReset(ctx context.Context, resetType byte) error {
	if _, err := e.svc.ECUReset(ctx, resetType); err != nil {
		return err
	}
	e.session.NotifyECUReset()
	return nil
}

// RequestDownload issues UDS 0x34, enforcing the programming-or-extended
// session plus unlocked-security precondition, and arms a fresh
// downloadState at the configured block-counter base.
func (e *ECUBackend) RequestDownload(ctx context.Context, dataFormat byte, addr, size uint64, addrBytes, sizeBytes int) (maxBlockLen uint32, err error) {
	if err := e.requireProgrammingOrExtendedUnlocked(); err != nil {
		return 0, err
	}

	maxBlockLen, err = e.svc.RequestDownload(ctx, dataFormat, addr, size, addrBytes, sizeBytes)
	if err != nil {
		return 0, err
	}

	e.transferMu.Lock()
	e.transfer = &downloadState{
		active:          true,
		addr:            addr,
		totalSize:       size,
		expectedCounter: e.cfg.Session.BlockCounterBase,
		defaultEpoch:    e.session.DefaultEpoch(),
	}
	e.transferMu.Unlock()
	return maxBlockLen, nil
}

func (e *ECUBackend) requireProgrammingOrExtendedUnlocked() error {
	cur := e.session.CurrentSession()
	if cur != session.Programming && cur != session.Extended {
		return &sovderr.SessionRequired{Msg: "programming or extended session required for RequestDownload"}
	}
	if !e.session.SecuritySnapshot().Unlocked {
		return &sovderr.SecurityAccessDenied{Msg: "security access must be unlocked before RequestDownload"}
	}
	return nil
}

// nextBlockCounter advances counter past 0xFF to the configured wrap
// value, per the block-counter wrap-around boundary behaviour.
func (e *ECUBackend) nextBlockCounter(counter byte) byte {
	if counter == 0xFF {
		return e.cfg.Session.BlockCounterWrap
	}
	return counter + 1
}

// TransferData issues UDS 0x36 with the transfer's expected sequence
// counter. A session transition to Default since RequestDownload
// invalidates the transfer: the call is rejected with the backend-level
// equivalent of NRC 0x24 (RequestSequenceError) without ever reaching
// the transport. An ECU-reported NRC 0x73 (out-of-order) likewise
// invalidates the transfer for every subsequent call — the ECU's own
// state is not recoverable after a sequencing error.
func (e *ECUBackend) TransferData(ctx context.Context, payload []byte) error {
	e.transferMu.Lock()
	t := e.transfer
	if t == nil || !t.active {
		e.transferMu.Unlock()
		return &sovderr.NegativeResponse{SID: uds.ServiceTransferData, NRC: 0x24}
	}
	if t.defaultEpoch != e.session.DefaultEpoch() {
		t.active = false
		e.transferMu.Unlock()
		return &sovderr.NegativeResponse{SID: uds.ServiceTransferData, NRC: 0x24}
	}
	counter := t.expectedCounter
	e.transferMu.Unlock()

	_, err := e.svc.TransferData(ctx, counter, payload)
	if err != nil {
		var neg *sovderr.NegativeResponse
		if errors.As(err, &neg) {
			e.transferMu.Lock()
			if e.transfer == t {
				t.active = false
			}
			e.transferMu.Unlock()
		}
		return err
	}

	e.transferMu.Lock()
	if e.transfer == t && t.active {
		t.received += uint64(len(payload))
		t.expectedCounter = e.nextBlockCounter(counter)
	}
	e.transferMu.Unlock()
	return nil
}

// RequestTransferExit issues UDS 0x37 and clears the transfer state
// regardless of outcome — a terminal TransferExit always ends the
// transfer's lifecycle.
func (e *ECUBackend) RequestTransferExit(ctx context.Context) error {
	e.transferMu.Lock()
	t := e.transfer
	e.transferMu.Unlock()
	if t == nil || !t.active {
		return &sovderr.InvalidRequest{Msg: "no active transfer to exit"}
	}

	_, err := e.svc.RequestTransferExit(ctx)

	e.transferMu.Lock()
	if e.transfer == t {
		e.transfer = nil
	}
	e.transferMu.Unlock()
	return err
}

// TransferProgress reports the active download's received/total byte
// counts, if any is in flight.
func (e *ECUBackend) TransferProgress() (received, total uint64, active bool) {
	e.transferMu.Lock()
	defer e.transferMu.Unlock()
	if e.transfer == nil {
		return 0, 0, false
	}
	return e.transfer.received, e.transfer.totalSize, e.transfer.active
}
