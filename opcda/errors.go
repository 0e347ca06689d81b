package opcda

import (
	"errors"
	"fmt"
)

// Code is an HRESULT-style failure code surfaced by the binding layer.
type Code uint32

// Known failure codes. The first four are connection-class: they mean
// the session itself is dead, not that a particular request was bad.
const (
	CodeRPCUnavailable    Code = 0x800706BA // RPC server unavailable
	CodeRPCCallFailed     Code = 0x800706BE // remote call failed
	CodeRPCCallFailedDNE  Code = 0x800706BF // remote call failed, did not execute
	CodeServerExecFailure Code = 0x80080005 // server process failed to start

	CodeAccessDenied       Code = 0x80070005
	CodeClassNotRegistered Code = 0x80040154
	CodeLicenseDenied      Code = 0x80040112
	CodeMarshalError       Code = 0x800706F4

	CodeBadRights     Code = 0xC0040004 // item is read-only
	CodeBadType       Code = 0xC0040006 // server cannot convert the value
	CodeUnknownItemID Code = 0xC0040007
	CodeInvalidItemID Code = 0xC0040008
)

// ComError is a failure from the native binding layer, carrying the
// protocol code and the operation that produced it.
type ComError struct {
	Op   string
	Code Code
}

func (e *ComError) Error() string {
	if hint := HintForCode(e.Code); hint != "" {
		return fmt.Sprintf("%s: 0x%08X (%s)", e.Op, uint32(e.Code), hint)
	}
	return fmt.Sprintf("%s: 0x%08X", e.Op, uint32(e.Code))
}

// NewComError builds a ComError for the given operation and code.
func NewComError(op string, code Code) *ComError {
	return &ComError{Op: op, Code: code}
}

// IsConnectionError reports whether err carries one of the fixed
// connection-class codes. Anything else is an application-level error
// and must not trigger a reconnect.
func IsConnectionError(err error) bool {
	var ce *ComError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Code {
	case CodeRPCUnavailable, CodeRPCCallFailed, CodeRPCCallFailedDNE, CodeServerExecFailure:
		return true
	}
	return false
}

// HintForCode maps known failure codes to actionable hints. Returns ""
// for codes with no known hint.
func HintForCode(code Code) string {
	switch code {
	case CodeLicenseDenied:
		return "server license does not permit client connections"
	case CodeServerExecFailure:
		return "server process failed to start — check if it is installed and running"
	case CodeAccessDenied:
		return "access denied — launch/activation permissions not configured for this user"
	case CodeRPCUnavailable:
		return "RPC server unavailable — the target host may be offline or blocking RPC"
	case CodeRPCCallFailed, CodeRPCCallFailedDNE:
		return "remote call failed — the server may have crashed mid-request"
	case CodeMarshalError:
		return "marshalling error — try restarting the server"
	case CodeClassNotRegistered:
		return "server is not registered on this machine"
	case CodeBadRights:
		return "server rejected write — the item may be read-only"
	case CodeBadType:
		return "data type mismatch — server cannot convert the written value"
	case CodeUnknownItemID:
		return "item ID not found in server address space"
	case CodeInvalidItemID:
		return "item ID syntax is invalid for this server"
	default:
		return ""
	}
}

// DescribeError renders a failure for display: code plus hint for
// binding errors, the plain message otherwise.
func DescribeError(err error) string {
	if err == nil {
		return ""
	}
	var ce *ComError
	if errors.As(err, &ce) {
		if hint := HintForCode(ce.Code); hint != "" {
			return fmt.Sprintf("0x%08X: %s", uint32(ce.Code), hint)
		}
		return fmt.Sprintf("0x%08X", uint32(ce.Code))
	}
	return err.Error()
}
