package uds

import (
	"context"
	"fmt"
	"time"

	"sovdgw/sovderr"
	"sovdgw/transport"
)

// Default timeouts: ordinary exchange is 5s; a 0x78 response-pending
// reply extends the wait up to a 30s wall-clock budget.
const (
	DefaultExchangeTimeout   = 5 * time.Second
	ResponsePendingBudget    = 30 * time.Second
	responsePendingRecvWait  = 2 * time.Second
)

// Service is the stateless encoder/decoder of UDS requests. It holds only
// a per-ECU service-id override table (for OEM variants) and the transport
// it talks through; all session/security state lives in package session.
type Service struct {
	adapter transport.Adapter
	ids     ServiceIDs
}

// NewService builds a Service bound to one transport adapter.
func NewService(adapter transport.Adapter, ids ServiceIDs) *Service {
	return &Service{adapter: adapter, ids: ids}
}

// Exchange sends a standard-SID request and waits for its response,
// internally absorbing 0x78 ResponsePending replies until either a final
// response arrives or the 30s budget expires (never surfaced to callers).
func (s *Service) Exchange(ctx context.Context, standardSID byte, subfunction *byte, data []byte) (*Message, error) {
	wireSID := s.ids.Resolve(standardSID)
	raw := EncodeRequest(wireSID, subfunction, data)

	deadline := time.Now().Add(ResponsePendingBudget)

	resp, err := s.adapter.SendAndAwaitResponse(ctx, raw, DefaultExchangeTimeout)
	if err != nil {
		return nil, &sovderr.Transport{Op: fmt.Sprintf("exchange sid 0x%02X", wireSID), Err: err}
	}

	for transport.IsResponsePending(resp) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &sovderr.Transport{Op: fmt.Sprintf("sid 0x%02X response-pending budget exceeded", wireSID)}
		}
		wait := remaining
		if wait > responsePendingRecvWait {
			wait = responsePendingRecvWait
		}
		resp, err = s.adapter.AwaitResponse(ctx, wireSID, wait)
		if err != nil {
			return nil, &sovderr.Transport{Op: fmt.Sprintf("exchange sid 0x%02X", wireSID), Err: err}
		}
	}

	msg, err := DecodeResponse(resp, wireSID)
	if err != nil {
		return nil, &sovderr.Protocol{Msg: err.Error()}
	}
	if !msg.IsPositive {
		return nil, sovderr.FromNRC(s.ids.Standard(msg.ServiceID), *msg.NRC)
	}
	msg.ServiceID = standardSID
	return msg, nil
}

// ---- Per-service request builders ----

// DiagnosticSessionControl issues UDS 0x10.
func (s *Service) DiagnosticSessionControl(ctx context.Context, sessionType byte) (*Message, error) {
	return s.Exchange(ctx, ServiceDiagnosticSessionControl, &sessionType, nil)
}

// ECUReset issues UDS 0x11.
func (s *Service) ECUReset(ctx context.Context, resetType byte) (*Message, error) {
	return s.Exchange(ctx, ServiceECUReset, &resetType, nil)
}

// ClearDiagnosticInformation issues UDS 0x14 for the given group mask
// (3-byte big-endian DTC group, or 0xFFFFFF for "all").
func (s *Service) ClearDiagnosticInformation(ctx context.Context, groupMask uint32) (*Message, error) {
	data := []byte{byte(groupMask >> 16), byte(groupMask >> 8), byte(groupMask)}
	return s.Exchange(ctx, ServiceClearDiagnosticInformation, nil, data)
}

// ReadDTCInformation issues UDS 0x19 with the given sub-function and
// status mask (the mask is only meaningful for sub-function 0x02).
func (s *Service) ReadDTCInformation(ctx context.Context, subfunction, statusMask byte) (*Message, error) {
	return s.Exchange(ctx, ServiceReadDTCInformation, &subfunction, []byte{statusMask})
}

// ReadDataByIdentifier issues UDS 0x22 for a single DID; callers needing
// several DIDs issue one call per DID rather than relying on the
// multi-DID response form.
func (s *Service) ReadDataByIdentifier(ctx context.Context, did uint16) (*Message, error) {
	data := []byte{byte(did >> 8), byte(did)}
	msg, err := s.Exchange(ctx, ServiceReadDataByIdentifier, nil, data)
	if err != nil {
		return nil, err
	}
	if len(msg.Data) < 2 {
		return nil, &sovderr.Protocol{Msg: "ReadDataByIdentifier response missing echoed DID"}
	}
	msg.Data = msg.Data[2:] // drop the echoed DID, keep only the value
	return msg, nil
}

// WriteDataByIdentifier issues UDS 0x2E.
func (s *Service) WriteDataByIdentifier(ctx context.Context, did uint16, value []byte) (*Message, error) {
	data := append([]byte{byte(did >> 8), byte(did)}, value...)
	return s.Exchange(ctx, ServiceWriteDataByIdentifier, nil, data)
}

// SecurityAccessRequestSeed issues UDS 0x27 with an odd sub-function for
// the given level, returning the seed bytes.
func (s *Service) SecurityAccessRequestSeed(ctx context.Context, level byte) ([]byte, error) {
	sub := RequestSeedSubfunction(level)
	msg, err := s.Exchange(ctx, ServiceSecurityAccess, &sub, nil)
	if err != nil {
		return nil, err
	}
	_, rest, ok := SplitSubfunction(msg.Data)
	if !ok {
		return nil, nil
	}
	return rest, nil
}

// SecurityAccessSendKey issues UDS 0x27 with an even sub-function carrying
// the computed key.
func (s *Service) SecurityAccessSendKey(ctx context.Context, level byte, key []byte) error {
	sub := SendKeySubfunction(level)
	_, err := s.Exchange(ctx, ServiceSecurityAccess, &sub, key)
	return err
}

// CommunicationControl issues UDS 0x28 (pass-through, no decoded payload).
func (s *Service) CommunicationControl(ctx context.Context, controlType, communicationType byte) (*Message, error) {
	return s.Exchange(ctx, ServiceCommunicationControl, &controlType, []byte{communicationType})
}

// PeriodicRate is the Hz-class a 0x2A request targets.
type PeriodicRate byte

const (
	PeriodicRateSlow   PeriodicRate = PeriodicRate(SubfunctionSendAtSlowRate)
	PeriodicRateMedium PeriodicRate = PeriodicRate(SubfunctionSendAtMediumRate)
	PeriodicRateFast   PeriodicRate = PeriodicRate(SubfunctionSendAtFastRate)
)

// RateClassFor maps Hz to the periodic rate class:
// 0 -> stop, 1 -> slow, 2-5 -> medium, >=6 -> fast.
func RateClassFor(hz uint32) (rate PeriodicRate, stop bool) {
	switch {
	case hz == 0:
		return 0, true
	case hz == 1:
		return PeriodicRateSlow, false
	case hz <= 5:
		return PeriodicRateMedium, false
	default:
		return PeriodicRateFast, false
	}
}

// StartPeriodic issues UDS 0x2A to start transmission of pids at rate.
func (s *Service) StartPeriodic(ctx context.Context, rate PeriodicRate, pids []byte) (*Message, error) {
	sub := byte(rate)
	return s.Exchange(ctx, ServiceReadDataByPeriodicIdentifier, &sub, pids)
}

// StopPeriodic issues UDS 0x2A to stop transmission of pids.
func (s *Service) StopPeriodic(ctx context.Context, pids []byte) (*Message, error) {
	sub := SubfunctionStopSending
	return s.Exchange(ctx, ServiceReadDataByPeriodicIdentifier, &sub, pids)
}

// DynamicallyDefineByIdentifier issues UDS 0x2C to define a dynamic DID.
func (s *Service) DynamicallyDefineByIdentifier(ctx context.Context, dynamicDID uint16, sourceDIDs []uint16) (*Message, error) {
	sub := SubfunctionDefineByIdentifier
	data := []byte{byte(dynamicDID >> 8), byte(dynamicDID)}
	for _, did := range sourceDIDs {
		data = append(data, byte(did>>8), byte(did), 1, 1) // position 1, size 1 placeholder
	}
	return s.Exchange(ctx, ServiceDynamicallyDefineDataIdentifier, &sub, data)
}

// ClearDynamicallyDefinedDataIdentifier issues UDS 0x2C to clear one.
func (s *Service) ClearDynamicallyDefinedDataIdentifier(ctx context.Context, dynamicDID uint16) (*Message, error) {
	sub := SubfunctionClearDynamicallyDefinedDataIdentifier
	data := []byte{byte(dynamicDID >> 8), byte(dynamicDID)}
	return s.Exchange(ctx, ServiceDynamicallyDefineDataIdentifier, &sub, data)
}

// IOControl issues UDS 0x2F. mask is optional (short-term-adjust only).
func (s *Service) IOControl(ctx context.Context, did uint16, controlParam byte, controlState, mask []byte) (*Message, error) {
	data := []byte{byte(did >> 8), byte(did), controlParam}
	data = append(data, controlState...)
	data = append(data, mask...)
	return s.Exchange(ctx, ServiceInputOutputControlByIdentifier, nil, data)
}

// RoutineControl issues UDS 0x31.
func (s *Service) RoutineControl(ctx context.Context, subfunction byte, routineID uint16, options []byte) (*Message, error) {
	data := append([]byte{byte(routineID >> 8), byte(routineID)}, options...)
	return s.Exchange(ctx, ServiceRoutineControl, &subfunction, data)
}

// LengthFormat decodes a download/upload response's length-format
// identifier byte into the byte width of the following maxBlockLength
// field.
func LengthFormat(b byte) int {
	return int(b >> 4)
}

// RequestDownload issues UDS 0x34 and returns the negotiated max block
// length (already reduced by 2 bytes for the SID + sequence counter every
// subsequent TransferData frame carries).
func (s *Service) RequestDownload(ctx context.Context, dataFormat byte, addr, size uint64, addrBytes, sizeBytes int) (maxBlockLen uint32, err error) {
	return s.requestTransfer(ctx, ServiceRequestDownload, dataFormat, addr, size, addrBytes, sizeBytes)
}

// RequestUpload issues UDS 0x35, same shape as RequestDownload.
func (s *Service) RequestUpload(ctx context.Context, dataFormat byte, addr, size uint64, addrBytes, sizeBytes int) (maxBlockLen uint32, err error) {
	return s.requestTransfer(ctx, ServiceRequestUpload, dataFormat, addr, size, addrBytes, sizeBytes)
}

func (s *Service) requestTransfer(ctx context.Context, sid byte, dataFormat byte, addr, size uint64, addrBytes, sizeBytes int) (uint32, error) {
	alfid := byte((addrBytes << 4) | sizeBytes)
	data := []byte{dataFormat, alfid}
	data = append(data, beBytes(addr, addrBytes)...)
	data = append(data, beBytes(size, sizeBytes)...)

	msg, err := s.Exchange(ctx, sid, nil, data)
	if err != nil {
		return 0, err
	}
	if len(msg.Data) < 1 {
		return 0, &sovderr.Protocol{Msg: "transfer response missing length-format identifier"}
	}
	width := LengthFormat(msg.Data[0])
	if len(msg.Data) < 1+width {
		return 0, &sovderr.Protocol{Msg: "transfer response truncated maxBlockLength"}
	}
	var maxLen uint32
	for _, b := range msg.Data[1 : 1+width] {
		maxLen = (maxLen << 8) | uint32(b)
	}
	if maxLen < 2 {
		return 0, &sovderr.Protocol{Msg: "transfer response maxBlockLength too small"}
	}
	return maxLen - 2, nil
}

// TransferData issues UDS 0x36 with the given block sequence counter.
func (s *Service) TransferData(ctx context.Context, blockCounter byte, payload []byte) (*Message, error) {
	data := append([]byte{blockCounter}, payload...)
	return s.Exchange(ctx, ServiceTransferData, nil, data)
}

// RequestTransferExit issues UDS 0x37.
func (s *Service) RequestTransferExit(ctx context.Context) (*Message, error) {
	return s.Exchange(ctx, ServiceRequestTransferExit, nil, nil)
}

// TesterPresent issues UDS 0x3E. When suppressResponse is true, the
// sub-function's top bit is set and the call does not wait for a reply
// (used by the session keepalive to avoid polluting the response-matching
// channel).
func (s *Service) TesterPresent(ctx context.Context, suppressResponse bool) error {
	sub := byte(0x00)
	if suppressResponse {
		sub = 0x80
		raw := EncodeRequest(s.ids.Resolve(ServiceTesterPresent), &sub, nil)
		return s.adapter.Send(ctx, raw)
	}
	_, err := s.Exchange(ctx, ServiceTesterPresent, &sub, nil)
	return err
}

// LinkControl issues UDS 0x87.
func (s *Service) LinkControl(ctx context.Context, subfunction byte, data []byte) (*Message, error) {
	return s.Exchange(ctx, ServiceLinkControl, &subfunction, data)
}

func beBytes(v uint64, width int) []byte {
	out := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}
