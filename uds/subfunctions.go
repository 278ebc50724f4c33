package uds

import "fmt"

// UDS Subfunction constants for Diagnostic Session Control.
const (
	SubfunctionDefaultSession                byte = 0x01
	SubfunctionProgrammingSession            byte = 0x02
	SubfunctionExtendedDiagnosticSession     byte = 0x03
	SubfunctionSafetySystemDiagnosticSession byte = 0x04
)

// UDS Subfunction constants for ECU Reset.
const (
	SubfunctionHardReset     byte = 0x01
	SubfunctionKeyOffOnReset byte = 0x02
	SubfunctionSoftReset     byte = 0x03
)

// UDS Subfunction constants for Security Access. Odd sub-functions request a
// seed, even sub-functions send back a key; level N maps to (2N-1, 2N).
const (
	SubfunctionRequestSeed byte = 0x01
	SubfunctionSendKey     byte = 0x02
)

// RequestSeedSubfunction and SendKeySubfunction compute the sub-function
// byte for an arbitrary security level.
func RequestSeedSubfunction(level byte) byte { return level*2 - 1 }
func SendKeySubfunction(level byte) byte     { return level * 2 }

// UDS Subfunction constants for Routine Control.
const (
	SubfunctionStartRoutine          byte = 0x01
	SubfunctionStopRoutine           byte = 0x02
	SubfunctionRequestRoutineResults byte = 0x03
)

// UDS Subfunction constants for Communication Control.
const (
	SubfunctionEnableRxAndTx        byte = 0x00
	SubfunctionEnableRxAndDisableTx byte = 0x01
	SubfunctionDisableRxAndEnableTx byte = 0x02
	SubfunctionDisableRxAndTx       byte = 0x03
)

// UDS Subfunction constants for ReadDTCInformation.
const (
	SubfunctionReportNumberOfDTCByStatusMask byte = 0x01
	SubfunctionReportDTCByStatusMask         byte = 0x02
	SubfunctionReportDTCSnapshotIdentifiers  byte = 0x04
	SubfunctionReportSupportedDTC            byte = 0x06
)

// UDS Subfunction constants for InputOutputControlByIdentifier.
const (
	SubfunctionReturnControlToECU byte = 0x00
	SubfunctionResetToDefault     byte = 0x01
	SubfunctionFreezeCurrentState byte = 0x02
	SubfunctionShortTermAdjustment byte = 0x03
)

// UDS Subfunction constants for ReadDataByPeriodicIdentifier.
const (
	SubfunctionSendAtSlowRate   byte = 0x01
	SubfunctionSendAtMediumRate byte = 0x02
	SubfunctionSendAtFastRate   byte = 0x03
	SubfunctionStopSending      byte = 0x04
)

// UDS Subfunction constants for DynamicallyDefineDataIdentifier.
const (
	SubfunctionDefineByIdentifier byte = 0x01
	SubfunctionClearDynamicallyDefinedDataIdentifier byte = 0x03
)

// UDS Subfunction constants for Control DTC Setting.
const (
	SubfunctionDTCSettingOn  byte = 0x01
	SubfunctionDTCSettingOff byte = 0x02
)

// UDS Subfunction constants for LinkControl.
const (
	SubfunctionVerifyBaudrateTransitionWithFixedBaudrate    byte = 0x01
	SubfunctionVerifyBaudrateTransitionWithSpecificBaudrate byte = 0x02
	SubfunctionTransitionBaudrate                           byte = 0x03
)

var subfunctionNames = map[byte]map[byte]string{
	ServiceDiagnosticSessionControl: {
		SubfunctionDefaultSession:                "Default Session",
		SubfunctionProgrammingSession:            "Programming Session",
		SubfunctionExtendedDiagnosticSession:     "Extended Diagnostic Session",
		SubfunctionSafetySystemDiagnosticSession: "Safety System Diagnostic Session",
	},
	ServiceECUReset: {
		SubfunctionHardReset:     "Hard Reset",
		SubfunctionKeyOffOnReset: "Key Off On Reset",
		SubfunctionSoftReset:     "Soft Reset",
	},
	ServiceSecurityAccess: {
		SubfunctionRequestSeed: "Request Seed",
		SubfunctionSendKey:     "Send Key",
	},
	ServiceRoutineControl: {
		SubfunctionStartRoutine:          "Start Routine",
		SubfunctionStopRoutine:           "Stop Routine",
		SubfunctionRequestRoutineResults: "Request Routine Results",
	},
	ServiceCommunicationControl: {
		SubfunctionEnableRxAndTx:        "Enable Rx and Tx",
		SubfunctionEnableRxAndDisableTx: "Enable Rx and Disable Tx",
		SubfunctionDisableRxAndEnableTx: "Disable Rx and Enable Tx",
		SubfunctionDisableRxAndTx:       "Disable Rx and Tx",
	},
	ServiceReadDTCInformation: {
		SubfunctionReportNumberOfDTCByStatusMask: "Report Number of DTC by Status Mask",
		SubfunctionReportDTCByStatusMask:         "Report DTC by Status Mask",
		SubfunctionReportDTCSnapshotIdentifiers:  "Report DTC Snapshot Identifiers",
		SubfunctionReportSupportedDTC:            "Report Supported DTC",
	},
	ServiceInputOutputControlByIdentifier: {
		SubfunctionReturnControlToECU: "Return Control to ECU",
		SubfunctionResetToDefault:     "Reset to Default",
		SubfunctionFreezeCurrentState: "Freeze Current State",
		SubfunctionShortTermAdjustment: "Short Term Adjustment",
	},
	ServiceReadDataByPeriodicIdentifier: {
		SubfunctionSendAtSlowRate:   "Send At Slow Rate",
		SubfunctionSendAtMediumRate: "Send At Medium Rate",
		SubfunctionSendAtFastRate:   "Send At Fast Rate",
		SubfunctionStopSending:      "Stop Sending",
	},
	ServiceControlDTCSetting: {
		SubfunctionDTCSettingOn:  "DTC Setting On",
		SubfunctionDTCSettingOff: "DTC Setting Off",
	},
	ServiceLinkControl: {
		SubfunctionVerifyBaudrateTransitionWithFixedBaudrate:    "Verify Baudrate Transition (Fixed)",
		SubfunctionVerifyBaudrateTransitionWithSpecificBaudrate: "Verify Baudrate Transition (Specific)",
		SubfunctionTransitionBaudrate:                           "Transition Baudrate",
	},
}

// SubfunctionLabel returns a human-readable name for a (service, subfunction)
// pair, falling back to its hex form when unknown.
func SubfunctionLabel(sid, subfunction byte) string {
	if subMap, ok := subfunctionNames[sid]; ok {
		if name, ok := subMap[subfunction]; ok {
			return name
		}
	}
	return fmt.Sprintf("0x%02X", subfunction)
}
