// Package sovderr defines the closed error taxonomy the gateway's core
// surfaces. Each member is a distinct Go type rather than a string class or
// status code, so callers can recover the originating detail (an NRC, a
// kind/id pair) with errors.As instead of parsing a message.
package sovderr

import "fmt"

// Transport represents a socket/connection failure, timeout, or framing
// error at the Transport Adapter boundary.
type Transport struct {
	Op  string
	Err error
}

func (e *Transport) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: %s", e.Op)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *Transport) Unwrap() error { return e.Err }

// Protocol represents a malformed UDS frame, unexpected SID, or invalid
// response structure.
type Protocol struct {
	Msg string
}

func (e *Protocol) Error() string { return fmt.Sprintf("protocol: %s", e.Msg) }

// NegativeResponse represents an ECU 0x7F reply. NRC is preserved so domain
// translation never discards it.
type NegativeResponse struct {
	SID byte
	NRC byte
}

func (e *NegativeResponse) Error() string {
	return fmt.Sprintf("negative response: sid=0x%02X nrc=0x%02X", e.SID, e.NRC)
}

// SessionRequired represents an operation attempted in the wrong outer or
// inner session.
type SessionRequired struct {
	Msg string
}

func (e *SessionRequired) Error() string { return fmt.Sprintf("session required: %s", e.Msg) }

// SecurityAccessDenied represents an unlock that is needed, not possible,
// or was rejected by the ECU.
type SecurityAccessDenied struct {
	Msg string
}

func (e *SecurityAccessDenied) Error() string { return fmt.Sprintf("security access denied: %s", e.Msg) }

// InvalidRequest represents a client contract violation: unknown session
// name, truncated package, malformed identifier, and the like.
type InvalidRequest struct {
	Msg string
}

func (e *InvalidRequest) Error() string { return fmt.Sprintf("invalid request: %s", e.Msg) }

// NotFound represents a missing entity, parameter, fault, operation,
// output, or package.
type NotFound struct {
	Kind string
	ID   string
}

func (e *NotFound) Error() string { return fmt.Sprintf("not found: %s %q", e.Kind, e.ID) }

// NotSupported represents an operation intentionally unavailable at this
// layer (e.g. a gateway's own session or security state, or a managed-ECU's external security
// unlock).
type NotSupported struct {
	Msg string
}

func (e *NotSupported) Error() string { return fmt.Sprintf("not supported: %s", e.Msg) }

// FromNRC maps the handful of negative response codes that carry specific
// domain meaning onto a richer error than a bare NegativeResponse, per the
// propagation policy: "backends may map specific NRC to domain errors".
func FromNRC(sid, nrc byte) error {
	switch nrc {
	case 0x33: // SecurityAccessDenied
		return &SecurityAccessDenied{Msg: fmt.Sprintf("sid 0x%02X rejected: security access denied", sid)}
	case 0x35: // InvalidKey
		return &SecurityAccessDenied{Msg: fmt.Sprintf("sid 0x%02X rejected: invalid key", sid)}
	case 0x36: // ExceededNumberOfAttempts
		return &SecurityAccessDenied{Msg: fmt.Sprintf("sid 0x%02X rejected: exceeded number of attempts", sid)}
	case 0x7E, 0x7F: // SubFunction/Service not supported in active session
		return &SessionRequired{Msg: fmt.Sprintf("sid 0x%02X rejected: not supported in active session", sid)}
	default:
		return &NegativeResponse{SID: sid, NRC: nrc}
	}
}
