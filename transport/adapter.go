// Package transport owns the physical link to one ECU (ISO-TP over CAN,
// carried over a serial CAN bridge, or DoIP over TCP). It exposes complete
// UDS byte frames to the layers above; no segmentation concern crosses this
// boundary (per the gateway's own design notes, the UDS service stays pure
// and testable against recorded byte streams).
package transport

import (
	"context"
	"time"
)

// Adapter is the one socket a transport owns. Send and
// SendAndAwaitResponse serialise access to the write half internally (one
// outstanding request at a time, FIFO); Subscribe hands out an independent
// lossy broadcast receiver of every inbound frame, including periodic
// transmissions and out-of-band traffic.
type Adapter interface {
	// Send writes a request frame without waiting for a reply (used for
	// fire-and-forget requests such as a suppressed TesterPresent).
	Send(ctx context.Context, frame []byte) error

	// SendAndAwaitResponse writes a request frame and waits for the frame
	// that answers it, applying the response-matching predicate in
	// MatchesResponse. It returns the first matching frame even if it is
	// a 0x78 response-pending negative response — the caller (uds.Service)
	// is responsible for recognising that and calling AwaitResponse again
	// to keep waiting without re-sending the request (resending would
	// violate ISO 14229's single-request-per-pending-chain rule).
	SendAndAwaitResponse(ctx context.Context, frame []byte, timeout time.Duration) ([]byte, error)

	// AwaitResponse continues waiting for the frame answering requestSID
	// without re-sending anything, used to ride out a response-pending
	// chain. It must observe frames from the same inbound stream a prior
	// SendAndAwaitResponse call for the same exchange was watching.
	AwaitResponse(ctx context.Context, requestSID byte, timeout time.Duration) ([]byte, error)

	// Subscribe returns a channel receiving every inbound frame this
	// adapter observes, including ones consumed by a concurrent
	// SendAndAwaitResponse call and unsolicited periodic frames. The
	// channel is lossy: a slow consumer drops frames rather than
	// blocking the adapter.
	Subscribe() <-chan []byte

	// Unsubscribe releases a channel obtained from Subscribe.
	Unsubscribe(ch <-chan []byte)

	// Close releases the underlying socket.
	Close() error
}

// MatchesResponse reports whether a frame satisfies a pending request
// for requestSID: it must be that service's positive response, or a
// negative response naming that service (NRC 0x78 response-pending is left
// to the caller to keep waiting on). Any other frame — including a
// periodic transmission with leading byte < 0x40 that doesn't also carry
// the 0x7F marker — must not be treated as the answer.
func MatchesResponse(requestSID byte, frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	if frame[0] == 0x7F {
		return len(frame) >= 2 && frame[1] == requestSID
	}
	return frame[0] == requestSID+0x40
}

// IsResponsePending reports whether frame is a 0x7F/requestSID/0x78
// negative response — the one negative response the adapter must keep
// waiting through rather than return.
func IsResponsePending(frame []byte) bool {
	return len(frame) >= 3 && frame[0] == 0x7F && frame[2] == 0x78
}
