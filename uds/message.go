// Package uds implements the stateless half of ISO 14229-1: encoding
// requests and decoding responses for the service set this gateway
// supports. It has no notion of a socket, a session, or ISO-TP framing —
// those live in the transport and session packages, so this package stays
// pure and testable against recorded byte streams.
package uds

import "fmt"

// Message is a decoded UDS request or response.
type Message struct {
	ServiceID   byte
	Subfunction *byte
	NRC         *byte
	Data        []byte
	IsResponse  bool
	IsPositive  bool
}

// DecodeResponse interprets a raw UDS response frame (as delivered by a
// transport.Adapter, already de-segmented). wireSID is the on-wire service
// id this response answers, following ServiceIDs overrides if configured.
func DecodeResponse(raw []byte, wireSID byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("uds: empty response")
	}

	if raw[0] == NegativeResponseByte {
		if len(raw) < 3 {
			return nil, fmt.Errorf("uds: truncated negative response")
		}
		nrc := raw[2]
		return &Message{
			ServiceID:  raw[1],
			NRC:        &nrc,
			IsResponse: true,
			IsPositive: false,
		}, nil
	}

	if raw[0] != wireSID+PositiveResponseServiceIdOffset {
		return nil, fmt.Errorf("uds: unexpected response sid 0x%02X, want 0x%02X", raw[0], wireSID+PositiveResponseServiceIdOffset)
	}

	msg := &Message{
		ServiceID:  wireSID,
		IsResponse: true,
		IsPositive: true,
		Data:       raw[1:],
	}
	return msg, nil
}

// SplitSubfunction peels the leading subfunction-echo byte off a positive
// response's Data for services whose response format starts with one
// (session control, security access, routine control, DTC information,
// communication control, periodic-identifier control). Services that don't
// echo a subfunction (e.g. ReadDataByIdentifier) must not call this.
func SplitSubfunction(data []byte) (sub byte, rest []byte, ok bool) {
	if len(data) == 0 {
		return 0, nil, false
	}
	return data[0], data[1:], true
}

// EncodeRequest builds the on-wire byte sequence for a request: sid,
// optional subfunction, then payload.
func EncodeRequest(sid byte, subfunction *byte, data []byte) []byte {
	out := make([]byte, 0, 2+len(data))
	out = append(out, sid)
	if subfunction != nil {
		out = append(out, *subfunction)
	}
	out = append(out, data...)
	return out
}

// NegativeResponseByte and PositiveResponseServiceIdOffset are the two
// framing constants every UDS response is built from.
const (
	NegativeResponseByte            byte = 0x7F
	PositiveResponseServiceIdOffset byte = 0x40
)

// IsPeriodicFrame reports whether raw looks like an unsolicited periodic
// transmission (SID < 0x40) rather than a request response — the
// response matcher must never treat these as satisfying a pending
// exchange.
func IsPeriodicFrame(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	if raw[0] == NegativeResponseByte {
		return false
	}
	return raw[0] < PositiveResponseServiceIdOffset
}

// String gives a compact human-readable rendering, used only for logging.
func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	if !m.IsPositive && m.NRC != nil {
		return fmt.Sprintf("NegativeResponse{sid=%s, nrc=%s}", ServiceLabel(m.ServiceID), NRCLabel(*m.NRC))
	}
	label := ServiceLabel(m.ServiceID)
	if m.Subfunction != nil {
		return fmt.Sprintf("%s/%s data=% X", label, SubfunctionLabel(m.ServiceID, *m.Subfunction), m.Data)
	}
	return fmt.Sprintf("%s data=% X", label, m.Data)
}
