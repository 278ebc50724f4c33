// Package dtc decodes UDS Diagnostic Trouble Codes: the 3-byte fault
// number plus 8-bit status mask returned by 0x19 ReadDTCInformation, and
// the group-mask table 0x14 ClearDiagnosticInformation uses to select
// which category of DTC to clear.
package dtc

import "fmt"

// Category is the DTC family letter encoded in the top two bits of the
// fault code's high byte.
type Category byte

const (
	Powertrain Category = iota
	Chassis
	Body
	Network
)

// Letter returns the family letter this category prints as.
func (c Category) Letter() byte {
	switch c {
	case Powertrain:
		return 'P'
	case Chassis:
		return 'C'
	case Body:
		return 'B'
	case Network:
		return 'U'
	default:
		return '?'
	}
}

func categoryFromHighByte(high byte) Category {
	return Category((high >> 6) & 0x03)
}

// GroupMask is the 3-byte group selector 0x14 ClearDiagnosticInformation
// takes to restrict which DTCs are cleared.
type GroupMask uint32

// Group masks for 0x14, one per family plus the catch-all.
const (
	GroupPowertrain GroupMask = 0x000000
	GroupChassis    GroupMask = 0x400000
	GroupBody       GroupMask = 0x800000
	GroupNetwork    GroupMask = 0xC00000
	GroupAll        GroupMask = 0xFFFFFF
)

// MaskForCategory returns the base group mask 0x14 accepts for clearing
// every DTC in category c.
func MaskForCategory(c Category) GroupMask {
	switch c {
	case Powertrain:
		return GroupPowertrain
	case Chassis:
		return GroupChassis
	case Body:
		return GroupBody
	case Network:
		return GroupNetwork
	default:
		return GroupAll
	}
}

// Status decodes the 8-bit DTC status mask returned alongside every fault
// code by 0x19 ReadDTCInformation.
type Status struct {
	TestFailed                     bool
	TestFailedThisCycle            bool
	Pending                        bool
	Confirmed                      bool
	TestNotCompletedSinceLastClear bool
	TestFailedSinceLastClear       bool
	TestNotCompletedThisCycle      bool
	WarningIndicator               bool
}

// DecodeStatus unpacks a raw UDS DTC status byte.
func DecodeStatus(b byte) Status {
	return Status{
		TestFailed:                     b&0x01 != 0,
		TestFailedThisCycle:            b&0x02 != 0,
		Pending:                        b&0x04 != 0,
		Confirmed:                      b&0x08 != 0,
		TestNotCompletedSinceLastClear: b&0x10 != 0,
		TestFailedSinceLastClear:       b&0x20 != 0,
		TestNotCompletedThisCycle:      b&0x40 != 0,
		WarningIndicator:               b&0x80 != 0,
	}
}

// Byte re-packs a Status into its raw wire form.
func (s Status) Byte() byte {
	var b byte
	if s.TestFailed {
		b |= 0x01
	}
	if s.TestFailedThisCycle {
		b |= 0x02
	}
	if s.Pending {
		b |= 0x04
	}
	if s.Confirmed {
		b |= 0x08
	}
	if s.TestNotCompletedSinceLastClear {
		b |= 0x10
	}
	if s.TestFailedSinceLastClear {
		b |= 0x20
	}
	if s.TestNotCompletedThisCycle {
		b |= 0x40
	}
	if s.WarningIndicator {
		b |= 0x80
	}
	return b
}

// DTC is one fault entry: a 3-byte code plus its status mask.
type DTC struct {
	High, Mid, Low byte
	Status         Status
}

// DecodeDTC reads one DTC entry from a 4-byte ReadDTCInformation record
// (3 code bytes followed by the status byte).
func DecodeDTC(record []byte) (DTC, error) {
	if len(record) < 4 {
		return DTC{}, fmt.Errorf("dtc: short record, want 4 bytes got %d", len(record))
	}
	return DTC{
		High:   record[0],
		Mid:    record[1],
		Low:    record[2],
		Status: DecodeStatus(record[3]),
	}, nil
}

// Category reports the DTC's family from the top two bits of its high
// byte.
func (d DTC) Category() Category {
	return categoryFromHighByte(d.High)
}

// Code renders the DTC as the standard family-letter-plus-4-hex-digit
// string, e.g. "P0301". The family letter comes from bits 7-6 of the high
// byte; the four hex digits come from the remaining 14 bits split as
// described in ISO 15031-6: second digit from bits 5-4 of the high byte,
// third digit from bits 3-0 of the high byte, fourth digit from bits 7-4
// of the mid byte, fifth digit from bits 3-0 of the mid byte.
func (d DTC) Code() string {
	cat := categoryFromHighByte(d.High)
	secondDigit := (d.High >> 4) & 0x03
	thirdDigit := d.High & 0x0F
	fourthDigit := (d.Mid >> 4) & 0x0F
	fifthDigit := d.Mid & 0x0F
	return fmt.Sprintf("%c%X%X%X%X", cat.Letter(), secondDigit, thirdDigit, fourthDigit, fifthDigit)
}

// RawID returns the DTC's 3-byte numeric code packed into the low 24 bits
// of a uint32, as used in the group-mask comparisons and wire encoding.
func (d DTC) RawID() uint32 {
	return uint32(d.High)<<16 | uint32(d.Mid)<<8 | uint32(d.Low)
}
