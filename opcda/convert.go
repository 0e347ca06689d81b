package opcda

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// VariantString renders a Variant for display. Numeric types print
// their natural form (floats with two decimals, matching operator
// console conventions), strings are quoted, arrays show their element
// count rather than contents.
func VariantString(v Variant) string {
	if v.Type&VTArray != 0 {
		elems, ok := v.Value.([]Variant)
		if !ok {
			return "Array[?]"
		}
		return fmt.Sprintf("Array[%d]", len(elems))
	}

	switch v.Type {
	case VTEmpty:
		return "Empty"
	case VTNull:
		return "Null"
	case VTI2:
		if n, ok := v.Value.(int16); ok {
			return fmt.Sprintf("%d", n)
		}
	case VTI4:
		if n, ok := v.Value.(int32); ok {
			return fmt.Sprintf("%d", n)
		}
	case VTR4:
		if f, ok := v.Value.(float32); ok {
			return fmt.Sprintf("%.2f", f)
		}
	case VTR8:
		if f, ok := v.Value.(float64); ok {
			return fmt.Sprintf("%.2f", f)
		}
	case VTCY:
		// fixed-point scaled by 10,000
		if raw, ok := v.Value.(int64); ok {
			whole := raw / 10_000
			frac := raw % 10_000
			if frac < 0 {
				frac = -frac
			}
			return fmt.Sprintf("%d.%04d", whole, frac)
		}
	case VTDate:
		if days, ok := v.Value.(float64); ok {
			return oleDateString(days)
		}
	case VTBStr:
		if s, ok := v.Value.(string); ok {
			return fmt.Sprintf("%q", s)
		}
	case VTBool:
		if b, ok := v.Value.(bool); ok {
			return fmt.Sprintf("%t", b)
		}
	case VTI1:
		if n, ok := v.Value.(int8); ok {
			return fmt.Sprintf("%d", n)
		}
	case VTUI1:
		if n, ok := v.Value.(uint8); ok {
			return fmt.Sprintf("%d", n)
		}
	case VTUI2:
		if n, ok := v.Value.(uint16); ok {
			return fmt.Sprintf("%d", n)
		}
	case VTUI4:
		if n, ok := v.Value.(uint32); ok {
			return fmt.Sprintf("%d", n)
		}
	case VTI8:
		if n, ok := v.Value.(int64); ok {
			return fmt.Sprintf("%d", n)
		}
	case VTUI8:
		if n, ok := v.Value.(uint64); ok {
			return fmt.Sprintf("%d", n)
		}
	}
	return fmt.Sprintf("(VT %d)", uint16(v.Type))
}

// oleDateString formats an OLE automation date: integer part is days
// since 1899-12-30, fraction is time of day.
func oleDateString(oleDate float64) string {
	const epochDays = 25569 // days from 1899-12-30 to 1970-01-01
	secs := int64((oleDate - epochDays) * 86400.0)
	return time.Unix(secs, 0).Local().Format("2006-01-02 15:04:05")
}

// QualityString maps a quality code to its display label. Sub-status
// bits are preserved in the input but only the major status is named.
func QualityString(q Quality) string {
	switch q.Major() {
	case QualityGood:
		return "Good"
	case QualityBad:
		return "Bad"
	case QualityUncertain:
		return "Uncertain"
	default:
		return fmt.Sprintf("Unknown(0x%04X)", uint16(q))
	}
}

// TimestampString renders a native timestamp as a local time string,
// or "N/A" for the zero timestamp.
func TimestampString(ft FileTime) string {
	if ft == 0 {
		return "N/A"
	}
	return ft.Time().Local().Format("2006-01-02 15:04:05")
}

// ValueToVariant converts a caller-supplied write value to its native
// representation. The accepted set is deliberately small: strings
// (servers coerce to the item's canonical type), signed integers,
// floats, and booleans.
func ValueToVariant(value interface{}) (Variant, error) {
	switch v := value.(type) {
	case string:
		return Variant{Type: VTBStr, Value: v}, nil
	case bool:
		return Variant{Type: VTBool, Value: v}, nil
	case int:
		return Variant{Type: VTI4, Value: int32(v)}, nil
	case int16:
		return Variant{Type: VTI4, Value: int32(v)}, nil
	case int32:
		return Variant{Type: VTI4, Value: v}, nil
	case int64:
		return Variant{Type: VTI8, Value: v}, nil
	case float32:
		return Variant{Type: VTR8, Value: float64(v)}, nil
	case float64:
		return Variant{Type: VTR8, Value: v}, nil
	default:
		return Variant{}, fmt.Errorf("unsupported write value type %T", value)
	}
}

// ParseWriteValue converts a user-entered string to a typed write
// value: bool, then integer, then float, falling back to the raw
// string. Used by the API and TUI write paths.
func ParseWriteValue(s string) interface{} {
	trimmed := strings.TrimSpace(s)
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		if i >= -2147483648 && i <= 2147483647 {
			return int32(i)
		}
		return i
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return s
}
