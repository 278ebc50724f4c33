// Package backend defines the uniform DiagnosticBackend capability set and
// its four implementations: a leaf ECU backend composing the UDS
// protocol engine directly, an HTTP proxy backend calling another
// SOVD server, a federating gateway backend aggregating children
// under a prefix, and a managed-ECU backend that intercepts OTA
// operations in front of a proxy.
package backend

import (
	"context"
	"time"

	"sovdgw/ota"
	"sovdgw/stream"
)

// Entity is the uniform resource every backend exposes exactly one of.
type Entity struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"` // "gateway", "ecu", "app"
	Description string `json:"description,omitempty"`
	Href        string `json:"href"`
	Status      string `json:"status"`
}

// Capabilities is the fixed set of operation families a backend supports.
type Capabilities struct {
	ReadData       bool
	WriteData      bool
	Faults         bool
	Operations     bool
	Outputs        bool
	SubEntities    bool
	SoftwareUpdate bool
	IOControl      bool
	Modes          bool
	Streams        bool
}

// UDSEcuCapabilities is the baseline capability set a leaf UDS ECU backend
// reports before any config-driven trimming (no outputs/operations
// without matching definitions).
func UDSEcuCapabilities() Capabilities {
	return Capabilities{
		ReadData:   true,
		WriteData:  true,
		Faults:     true,
		Operations: true,
		Outputs:    true,
		IOControl:  true,
		Modes:      true,
		Streams:    true,
	}
}

// GatewayCapabilities is always exactly {sub_entities: true}, regardless
// of what any registered child reports — a gateway is a pure routing
// entity with no data, faults, or operations of its own.
func GatewayCapabilities() Capabilities {
	return Capabilities{SubEntities: true}
}

// ParameterInfo describes one addressable logical parameter.
type ParameterInfo struct {
	ID          string
	Name        string
	Description string
	Unit        string
	DataType    string
	ReadOnly    bool
	Href        string
	DID         *uint16
}

// DataValue is one parameter's value as returned by ReadData.
type DataValue struct {
	ID    string
	Value []byte
	Raw   []byte
}

// FaultFilter narrows GetFaults; a nil filter returns every known fault.
type FaultFilter struct {
	StatusMask *byte
}

// Fault is one decoded DTC.
type Fault struct {
	ID          string
	Code        string
	Description string
	Status      byte
	Href        string
}

// FaultsResult is the aggregate response to GetFaults. StatusAvailability
// is nil when the backend cannot report one consistently (e.g. a gateway
// aggregating children that may disagree).
type FaultsResult struct {
	Faults              []Fault
	StatusAvailability  *byte
}

// ClearFaultsResult reports the outcome of a ClearFaults call.
type ClearFaultsResult struct {
	Success      bool
	ClearedCount uint32
	Message      string
}

// OperationInfo describes one routine-control-backed operation.
type OperationInfo struct {
	ID                string
	Name              string
	Description       string
	RequiresSecurity  bool
	SecurityLevel     byte
	Href              string
}

// OperationExecution is the state of one in-flight or completed
// operation invocation.
type OperationExecution struct {
	ExecutionID string
	OperationID string
	Status      string
	Result      []byte
}

// OutputInfo describes one IOControl-backed output, before any live
// value is read.
type OutputInfo struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	OutputID         string `json:"output_id"`
	RequiresSecurity bool   `json:"requires_security"`
	SecurityLevel    byte   `json:"security_level,omitempty"`
	Href             string `json:"href"`
	DataType         string `json:"data_type,omitempty"`
	Unit             string `json:"unit,omitempty"`
}

// OutputDetail is an OutputInfo plus its current and default values.
type OutputDetail struct {
	OutputInfo
	CurrentValue       []byte   `json:"current_value,omitempty"`
	DefaultValue       []byte   `json:"default_value,omitempty"`
	ControlledByTester bool     `json:"controlled_by_tester,omitempty"`
	Frozen             bool     `json:"frozen,omitempty"`
	Min                *float64 `json:"min,omitempty"`
	Max                *float64 `json:"max,omitempty"`
	Allowed            []string `json:"allowed,omitempty"`
}

// OutputControlAction selects which IOControl sub-function to issue.
type OutputControlAction int

const (
	OutputReturnToECU OutputControlAction = iota
	OutputResetToDefault
	OutputFreeze
	OutputShortTermAdjust
)

// IOControlResult is the outcome of a ControlOutput call.
type IOControlResult struct {
	Applied bool
	Value   []byte
}

// SessionMode is the current (named) session a backend reports.
type SessionMode struct {
	Session   string // "default", "programming", "extended"
	SessionID byte
}

// SecurityMode is the current (named) security-access state.
type SecurityMode struct {
	Level    byte
	Unlocked bool
	Seed     []byte
}

// PackageStatus is the lifecycle state of a stored OTA package.
type PackageStatus int

const (
	PackagePending PackageStatus = iota
	PackageVerified
	PackageInvalid
)

func (s PackageStatus) String() string {
	switch s {
	case PackagePending:
		return "pending"
	case PackageVerified:
		return "verified"
	case PackageInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// PackageInfo describes one stored OTA package, without its raw bytes.
type PackageInfo struct {
	ID        string
	Size      int
	TargetECU string
	Version   string
	Status    PackageStatus
	CreatedAt time.Time
}

// VerifyResult is the outcome of verifying a stored package.
type VerifyResult struct {
	Valid     bool
	Checksum  string
	Algorithm string
	Error     string
}

// SoftwareInfo reports the active/installed software identification.
type SoftwareInfo struct {
	ActiveVersion   string
	BootSoftwareID  string
	AppSoftwareID   string
}

// ActivationState reports whether the currently flashed software has
// been committed, and whether a rollback is available.
type ActivationState struct {
	SupportsRollback bool
	State            ota.FlashState
	ActiveVersion    string
	PreviousVersion  string
}

// DiagnosticBackend is the uniform capability surface every backend
// (leaf ECU, HTTP proxy, federating gateway, OTA-intercepting managed
// ECU) implements. Capabilities() tells a caller which groups of methods
// are meaningful; calling an unsupported method returns a NotSupported
// error rather than panicking.
type DiagnosticBackend interface {
	EntityInfo() Entity
	Capabilities() Capabilities

	ListParameters(ctx context.Context) ([]ParameterInfo, error)
	ReadData(ctx context.Context, paramIDs []string) ([]DataValue, error)
	WriteData(ctx context.Context, paramID string, value []byte) error

	GetFaults(ctx context.Context, filter *FaultFilter) (FaultsResult, error)
	GetFaultDetail(ctx context.Context, faultID string) (Fault, error)
	ClearFaults(ctx context.Context, group *uint32) (ClearFaultsResult, error)

	ListOperations(ctx context.Context) ([]OperationInfo, error)
	StartOperation(ctx context.Context, operationID string, params []byte) (OperationExecution, error)
	GetOperationStatus(ctx context.Context, executionID string) (OperationExecution, error)
	StopOperation(ctx context.Context, executionID string) error

	ListOutputs(ctx context.Context) ([]OutputInfo, error)
	GetOutput(ctx context.Context, outputID string) (OutputDetail, error)
	ControlOutput(ctx context.Context, outputID string, action OutputControlAction, value []byte) (IOControlResult, error)

	GetSessionMode(ctx context.Context) (SessionMode, error)
	SetSessionMode(ctx context.Context, session string) (SessionMode, error)
	GetSecurityMode(ctx context.Context) (SecurityMode, error)
	SetSecurityMode(ctx context.Context, value string, key []byte) (SecurityMode, error)

	SubscribeData(ctx context.Context, paramIDs []string, rateHz uint32) (subID string, ch <-chan stream.Sample, err error)
	UnsubscribeData(ctx context.Context, subID string) error

	ListSubEntities(ctx context.Context) ([]Entity, error)
	GetSubEntity(ctx context.Context, id string) (DiagnosticBackend, error)

	GetSoftwareInfo(ctx context.Context) (SoftwareInfo, error)
	ReceivePackage(ctx context.Context, data []byte) (packageID string, err error)
	ListPackages(ctx context.Context) ([]PackageInfo, error)
	GetPackage(ctx context.Context, packageID string) (PackageInfo, error)
	VerifyPackage(ctx context.Context, packageID string) (VerifyResult, error)
	DeletePackage(ctx context.Context, packageID string) error

	StartFlash(ctx context.Context, packageID string) (transferID string, err error)
	GetFlashStatus(ctx context.Context, transferID string) (ota.FlashStatus, error)
	ListFlashTransfers(ctx context.Context) ([]ota.FlashStatus, error)
	AbortFlash(ctx context.Context, transferID string) error
	FinalizeFlash(ctx context.Context) error
	CommitFlash(ctx context.Context) error
	RollbackFlash(ctx context.Context) error
	GetActivationState(ctx context.Context) (ActivationState, error)
}
