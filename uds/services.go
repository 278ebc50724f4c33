package uds

import "fmt"

// UDS Service ID constants (ISO 14229-1).
const (
	ServiceDiagnosticSessionControl       byte = 0x10
	ServiceECUReset                       byte = 0x11
	ServiceClearDiagnosticInformation     byte = 0x14
	ServiceReadDTCInformation             byte = 0x19
	ServiceReadDataByIdentifier           byte = 0x22
	ServiceReadMemoryByAddress            byte = 0x23
	ServiceReadScalingDataByIdentifier    byte = 0x24
	ServiceSecurityAccess                 byte = 0x27
	ServiceCommunicationControl           byte = 0x28
	ServiceReadDataByPeriodicIdentifier   byte = 0x2A
	ServiceDynamicallyDefineDataIdentifier byte = 0x2C
	ServiceWriteDataByIdentifier          byte = 0x2E
	ServiceInputOutputControlByIdentifier byte = 0x2F
	ServiceRoutineControl                 byte = 0x31
	ServiceRequestDownload                byte = 0x34
	ServiceRequestUpload                  byte = 0x35
	ServiceTransferData                   byte = 0x36
	ServiceRequestTransferExit            byte = 0x37
	ServiceTesterPresent                  byte = 0x3E
	ServiceLinkControl                    byte = 0x87
	ServiceControlDTCSetting              byte = 0x85
)

// Map of UDS service IDs to their names, used only for logging/display.
var serviceIDNames = map[byte]string{
	ServiceDiagnosticSessionControl:        "Diagnostic Session Control",
	ServiceECUReset:                        "ECU Reset",
	ServiceClearDiagnosticInformation:      "Clear Diagnostic Information",
	ServiceReadDTCInformation:              "Read DTC Information",
	ServiceReadDataByIdentifier:            "Read Data By Identifier",
	ServiceReadMemoryByAddress:             "Read Memory By Address",
	ServiceReadScalingDataByIdentifier:     "Read Scaling Data By Identifier",
	ServiceSecurityAccess:                  "Security Access",
	ServiceCommunicationControl:            "Communication Control",
	ServiceReadDataByPeriodicIdentifier:    "Read Data By Periodic Identifier",
	ServiceDynamicallyDefineDataIdentifier: "Dynamically Define Data Identifier",
	ServiceWriteDataByIdentifier:           "Write Data By Identifier",
	ServiceInputOutputControlByIdentifier:  "Input Output Control By Identifier",
	ServiceRoutineControl:                  "Routine Control",
	ServiceRequestDownload:                 "Request Download",
	ServiceRequestUpload:                   "Request Upload",
	ServiceTransferData:                    "Transfer Data",
	ServiceRequestTransferExit:             "Request Transfer Exit",
	ServiceTesterPresent:                   "Tester Present",
	ServiceLinkControl:                     "Link Control",
	ServiceControlDTCSetting:               "Control DTC Setting",
}

// ServiceLabel returns a human-readable name for a service id, falling back
// to its hex form when unknown.
func ServiceLabel(sid byte) string {
	if name, ok := serviceIDNames[sid]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", sid)
}

// ServiceIDs lets an ECU configuration override the standard 8-bit id used
// for a given service, for OEM variants that relocate services (e.g. moving
// WriteDataByIdentifier from 0x2E to 0x3D).
type ServiceIDs struct {
	overrides map[byte]byte
}

// NewServiceIDs builds a ServiceIDs table from an id->id override map. Keys
// are the standard service id being replaced; values are the replacement id.
func NewServiceIDs(overrides map[byte]byte) ServiceIDs {
	if len(overrides) == 0 {
		return ServiceIDs{}
	}
	cp := make(map[byte]byte, len(overrides))
	for k, v := range overrides {
		cp[k] = v
	}
	return ServiceIDs{overrides: cp}
}

// Resolve returns the effective on-wire service id for a standard service id.
func (s ServiceIDs) Resolve(standard byte) byte {
	if s.overrides == nil {
		return standard
	}
	if v, ok := s.overrides[standard]; ok {
		return v
	}
	return standard
}

// Standard reverses Resolve: given an on-wire id, returns the standard
// service id it represents, so response decoding can dispatch generically.
func (s ServiceIDs) Standard(wire byte) byte {
	if s.overrides == nil {
		return wire
	}
	for standard, override := range s.overrides {
		if override == wire {
			return standard
		}
	}
	return wire
}
