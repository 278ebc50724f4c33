package ota

import "strings"

// FlashState is the gateway-side OTA pipeline's state machine, tracking
// one package from receipt through activation.
type FlashState int

const (
	Queued FlashState = iota
	Preparing
	Transferring
	AwaitingExit
	AwaitingReset
	Complete
	Activated
	Committed
	RolledBack
	Failed
)

func (s FlashState) String() string {
	switch s {
	case Queued:
		return "queued"
	case Preparing:
		return "preparing"
	case Transferring:
		return "transferring"
	case AwaitingExit:
		return "awaiting_exit"
	case AwaitingReset:
		return "awaiting_reset"
	case Complete:
		return "complete"
	case Activated:
		return "activated"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseFlashState parses an upstream's reported flash/transfer state
// string into a FlashState, collapsing the upstream's finer-grained
// vocabulary the same way the managed-ECU backend's transfer-state
// converter does (several upstream names map onto one gateway-side
// state). Unknown strings fall back to Failed.
func ParseFlashState(raw string) FlashState {
	switch strings.ToLower(raw) {
	case "queued", "pending":
		return Queued
	case "preparing":
		return Preparing
	case "transferring", "running":
		return Transferring
	case "awaiting_exit":
		return AwaitingExit
	case "awaiting_reset":
		return AwaitingReset
	case "complete", "finished", "verified":
		return Complete
	case "activated":
		return Activated
	case "committed":
		return Committed
	case "rolled_back", "rollback":
		return RolledBack
	case "failed", "error", "aborted":
		return Failed
	default:
		return Failed
	}
}

// FlashProgress reports byte/block progress for an in-flight transfer.
type FlashProgress struct {
	BytesTransferred  uint64
	BytesTotal        uint64
	BlocksTransferred uint32
	BlocksTotal       uint32
	Percent           float64
}

// FlashStatus is the state of one flash transfer as reported by the
// upstream SOVD server.
type FlashStatus struct {
	TransferID string
	PackageID  string
	State      FlashState
	Progress   *FlashProgress
	Error      string
}
