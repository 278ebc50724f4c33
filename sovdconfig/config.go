// Package sovdconfig defines the configuration structs the gateway core
// consumes, plus a convenience TOML loader for the composition root.
package sovdconfig

import "sovdgw/uds"

// DataType is the wire width/signedness of a typed output or parameter
// value, mirroring the supplier's config DSL.
type DataType int

const (
	Uint8 DataType = iota
	Uint16
	Uint32
	Int8
	Int16
	Int32
	Float
	Bool
)

// ByteSize returns the number of raw bytes this data type occupies on
// the wire.
func (d DataType) ByteSize() int {
	switch d {
	case Uint8, Int8, Bool:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float:
		return 4
	default:
		return 1
	}
}

func (d DataType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Float:
		return "float"
	case Bool:
		return "bool"
	default:
		return "unknown"
	}
}

// OutputConfig describes one IOControl-backed output: its UDS DID, its
// typed value metadata, and the optional allowed-label enum.
type OutputConfig struct {
	ID            string    `toml:"id"`
	Name          string    `toml:"name"`
	IOID          string    `toml:"io_id"`
	DID           uint16    `toml:"did"`
	DefaultValue  []byte    `toml:"default_value"`
	Description   string    `toml:"description"`
	SecurityLevel byte      `toml:"security_level"`
	DataType      *DataType `toml:"-"`
	Unit          string    `toml:"unit"`
	Scale         float64   `toml:"scale"`
	Offset        float64   `toml:"offset"`
	Min, Max      *float64  `toml:"-"`
	Allowed       []string  `toml:"allowed"`
}

// OperationConfig describes one RoutineControl-backed operation.
type OperationConfig struct {
	ID            string `toml:"id"`
	Name          string `toml:"name"`
	Description   string `toml:"description"`
	RoutineID     uint16 `toml:"routine_id"`
	SessionLevel  byte   `toml:"session_level"`
	SecurityLevel byte   `toml:"security_level"`
}

// ParameterDef describes one whitelisted 0x22/0x2E-backed parameter a
// managed-ECU backend exposes in place of the upstream's full catalog.
type ParameterDef struct {
	ID          string `toml:"id"`
	Name        string `toml:"name"`
	Description string `toml:"description"`
	Unit        string `toml:"unit"`
	DataType    string `toml:"data_type"`
	DID         string `toml:"did"`
	Writable    bool   `toml:"writable"`
}

// SessionConfig configures a Session Manager's keepalive and block
// transfer numbering.
type SessionConfig struct {
	KeepaliveInterval         uint32 `toml:"keepalive_interval_ms"`
	SuppressKeepaliveResponse bool   `toml:"suppress_keepalive_response"`
	BlockCounterBase          byte   `toml:"block_counter_base"`
	BlockCounterWrap          byte   `toml:"block_counter_wrap"`
}

// TransportConfig describes how to reach one ECU: either a serial
// ISO-TP bridge or a DoIP endpoint.
type TransportConfig struct {
	Kind string `toml:"kind"` // "serial" or "doip"

	// Serial
	ECUAddress uint8 `toml:"ecu_address"`
	BaudRate   int   `toml:"baud_rate"`

	// DoIP
	Host            string `toml:"host"`
	SourceAddress   uint16 `toml:"source_address"`
	TargetAddress   uint16 `toml:"target_address"`
	AliveCheckEvery uint32 `toml:"alive_check_every_ms"`

	ServiceIDs uds.ServiceIDs `toml:"-"`
}

// ManagedECUConfig configures a managed-ECU sub-entity backend: its
// upstream SOVD address, output/operation/parameter definitions, and
// optional internal-unlock secret.
type ManagedECUConfig struct {
	ID                string            `toml:"id"`
	Name              string            `toml:"name"`
	ParentID          string            `toml:"parent_id"`
	UpstreamURL       string            `toml:"upstream_url"`
	Outputs           []OutputConfig    `toml:"output"`
	Operations        []OperationConfig `toml:"operation"`
	Parameters        []ParameterDef    `toml:"parameter"`
	SecuritySecretHex string            `toml:"security_secret_hex"`
}

// FlashClientConfig configures the Flash Client's upstream address and
// polling/upload timeouts.
type FlashClientConfig struct {
	BaseURL       string `toml:"base_url"`
	PollInterval  uint32 `toml:"poll_interval_ms"`
	UploadTimeout uint32 `toml:"upload_timeout_ms"`
	BearerToken   string `toml:"bearer_token"`
}

// ECUConfig is everything a leaf ECU backend needs beyond its
// transport and session wiring: its entity identity plus the config-driven
// operation/output/fault catalogs and block-transfer numbering.
type ECUConfig struct {
	ID          string `toml:"id"`
	Name        string `toml:"name"`
	Description string `toml:"description"`

	Transport TransportConfig `toml:"transport"`
	Session   SessionConfig   `toml:"session"`

	Outputs    []OutputConfig    `toml:"output"`
	Operations []OperationConfig `toml:"operation"`

	// Parameters, when non-empty, is the list ListParameters reports and
	// the first place reads and writes resolve an id; an id not in it
	// still resolves, read-only, through the standard identification
	// catalog. An empty list makes ListParameters report that catalog.
	Parameters []ParameterDef `toml:"parameter"`
}

// ProxyConfig configures an HTTP proxy backend: the upstream SOVD
// server address, optional bearer auth, and the entity identity to report
// locally (which may differ from the upstream's own).
type ProxyConfig struct {
	ID          string `toml:"id"`
	Name        string `toml:"name"`
	BaseURL     string `toml:"base_url"`
	BearerToken string `toml:"bearer_token"`
	Timeout     uint32 `toml:"timeout_ms"`
}

// GatewayConfig configures a federating gateway backend: its own
// entity identity. Children are registered programmatically after
// construction, not listed here, since they may come from independent
// transports or proxies assembled elsewhere in the composition root.
type GatewayConfig struct {
	ID          string `toml:"id"`
	Name        string `toml:"name"`
	Description string `toml:"description"`
}

// LoggingConfig mirrors sovdlog.Config in TOML-friendly form; the
// composition root converts it on load.
type LoggingConfig struct {
	Path       string `toml:"path"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// StreamConfig configures the websocket sample-delivery sink.
type StreamConfig struct {
	ListenAddr   string `toml:"listen_addr"`
	WriteTimeout uint32 `toml:"write_timeout_ms"`
}

// File is the top-level shape of one gateway instance's TOML
// configuration file: one or more ECUs, proxies, managed-ECUs, and
// gateways, wired together by the composition root.
type File struct {
	Logging LoggingConfig `toml:"logging"`
	Stream  StreamConfig  `toml:"stream"`

	ECUs        []ECUConfig        `toml:"ecu"`
	Proxies     []ProxyConfig      `toml:"proxy"`
	ManagedECUs []ManagedECUConfig `toml:"managed_ecu"`
	Gateways    []GatewayConfig    `toml:"gateway"`
	FlashClient FlashClientConfig  `toml:"flash_client"`
}
