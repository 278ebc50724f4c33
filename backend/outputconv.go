package backend

import (
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"sovdgw/sovdconfig"
)

// encodeOutputValue converts a client-supplied value into raw UDS bytes
// for an output's IOControl short-term-adjust, per the four-step
// fall-through: allowed-label match, boolean, scaled numeric, hex
// fallback. value may be a string, bool, or float64 (the decoded shapes
// an HTTP JSON body produces).
func encodeOutputValue(cfg sovdconfig.OutputConfig, value interface{}) ([]byte, error) {
	if len(cfg.Allowed) > 0 {
		if s, ok := value.(string); ok {
			for idx, label := range cfg.Allowed {
				if strings.EqualFold(label, s) {
					return encodeRawUnsigned(cfg.DataType, uint64(idx)), nil
				}
			}
			// Not a matching label — fall through to numeric/hex below.
		} else if f, ok := asNumber(value); ok && f >= 0 && int(f) < len(cfg.Allowed) {
			return encodeRawUnsigned(cfg.DataType, uint64(f)), nil
		}
	}

	if cfg.DataType != nil {
		if b, ok := value.(bool); ok {
			if b {
				return encodeRawUnsigned(cfg.DataType, 1), nil
			}
			return encodeRawUnsigned(cfg.DataType, 0), nil
		}

		if f, ok := asNumber(value); ok {
			raw := math.Round((f - cfg.Offset) / scaleOrOne(cfg.Scale))
			if raw < 0 {
				return encodeRawSigned(*cfg.DataType, int64(raw)), nil
			}
			return encodeRawUnsigned(cfg.DataType, uint64(raw)), nil
		}
	}

	if s, ok := value.(string); ok {
		raw, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("backend: invalid hex value %q: %w", s, err)
		}
		return raw, nil
	}

	return nil, fmt.Errorf("backend: cannot encode value %v for output %q", value, cfg.ID)
}

// decodeOutputValue converts raw UDS bytes into a typed value for API
// responses: allowed-label lookup first, then scaled numeric by data
// type, falling back to a hex string when no type metadata is present.
func decodeOutputValue(cfg sovdconfig.OutputConfig, raw []byte) interface{} {
	if cfg.DataType != nil {
		rawInt := decodeRawUnsigned(*cfg.DataType, raw)

		if len(cfg.Allowed) > 0 && int(rawInt) < len(cfg.Allowed) {
			return cfg.Allowed[rawInt]
		}

		switch *cfg.DataType {
		case sovdconfig.Int8, sovdconfig.Int16, sovdconfig.Int32:
			signed := decodeRawSigned(*cfg.DataType, raw)
			return float64(signed)*scaleOrOne(cfg.Scale) + cfg.Offset
		case sovdconfig.Float:
			if len(raw) >= 4 {
				bits := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
				f := math.Float32frombits(bits)
				return float64(f)*scaleOrOne(cfg.Scale) + cfg.Offset
			}
		}

		return float64(rawInt)*scaleOrOne(cfg.Scale) + cfg.Offset
	}

	return hex.EncodeToString(raw)
}

func scaleOrOne(scale float64) float64 {
	if scale == 0 {
		return 1
	}
	return scale
}

// asNumber extracts a float64 from an already-typed numeric value (not
// a string) — matching the original's distinction between a JSON number
// and a JSON string holding digits, which always falls through to the
// hex decode step instead of being parsed as a number.
func asNumber(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

func encodeRawUnsigned(dt *sovdconfig.DataType, raw uint64) []byte {
	size := 1
	if dt != nil {
		size = dt.ByteSize()
	}
	switch size {
	case 2:
		return []byte{byte(raw >> 8), byte(raw)}
	case 4:
		return []byte{byte(raw >> 24), byte(raw >> 16), byte(raw >> 8), byte(raw)}
	default:
		return []byte{byte(raw)}
	}
}

func encodeRawSigned(dt sovdconfig.DataType, raw int64) []byte {
	switch dt.ByteSize() {
	case 2:
		v := int16(raw)
		return []byte{byte(v >> 8), byte(v)}
	case 4:
		v := int32(raw)
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(int8(raw))}
	}
}

func decodeRawUnsigned(dt sovdconfig.DataType, raw []byte) uint64 {
	switch dt.ByteSize() {
	case 1:
		if len(raw) > 0 {
			return uint64(raw[0])
		}
	case 2:
		if len(raw) >= 2 {
			return uint64(raw[0])<<8 | uint64(raw[1])
		}
	case 4:
		if len(raw) >= 4 {
			return uint64(raw[0])<<24 | uint64(raw[1])<<16 | uint64(raw[2])<<8 | uint64(raw[3])
		}
	}
	if len(raw) > 0 {
		return uint64(raw[0])
	}
	return 0
}

func decodeRawSigned(dt sovdconfig.DataType, raw []byte) int64 {
	switch dt.ByteSize() {
	case 1:
		if len(raw) > 0 {
			return int64(int8(raw[0]))
		}
	case 2:
		if len(raw) >= 2 {
			return int64(int16(uint16(raw[0])<<8 | uint16(raw[1])))
		}
	case 4:
		if len(raw) >= 4 {
			return int64(int32(uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])))
		}
	}
	if len(raw) > 0 {
		return int64(int8(raw[0]))
	}
	return 0
}
