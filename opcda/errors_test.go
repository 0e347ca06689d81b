package opcda

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"rpc unavailable", NewComError("read", CodeRPCUnavailable), true},
		{"rpc call failed", NewComError("read", CodeRPCCallFailed), true},
		{"rpc call failed dne", NewComError("read", CodeRPCCallFailedDNE), true},
		{"server exec failure", NewComError("connect", CodeServerExecFailure), true},
		{"access denied", NewComError("connect", CodeAccessDenied), false},
		{"unknown item", NewComError("add_items", CodeUnknownItemID), false},
		{"bad rights", NewComError("write", CodeBadRights), false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsConnectionError(tc.err); got != tc.expected {
				t.Errorf("IsConnectionError(%v) = %v, want %v", tc.err, got, tc.expected)
			}
		})
	}
}

func TestIsConnectionErrorWrapped(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", NewComError("read", CodeRPCUnavailable))
	if !IsConnectionError(err) {
		t.Error("expected wrapped connection error to be detected")
	}
}

func TestHintForCode(t *testing.T) {
	tests := []struct {
		code     Code
		contains string
	}{
		{CodeRPCUnavailable, "RPC server unavailable"},
		{CodeClassNotRegistered, "not registered"},
		{CodeAccessDenied, "ccess denied"},
		{CodeBadRights, "read-only"},
		{CodeBadType, "type mismatch"},
		{CodeUnknownItemID, "not found"},
		{CodeInvalidItemID, "syntax"},
	}

	for _, tc := range tests {
		hint := HintForCode(tc.code)
		if !strings.Contains(hint, tc.contains) {
			t.Errorf("HintForCode(0x%08X) = %q, want substring %q", uint32(tc.code), hint, tc.contains)
		}
	}

	if hint := HintForCode(Code(0xDEADBEEF)); hint != "" {
		t.Errorf("expected empty hint for unknown code, got %q", hint)
	}
}

func TestDescribeError(t *testing.T) {
	t.Run("com error with hint", func(t *testing.T) {
		got := DescribeError(NewComError("read", CodeUnknownItemID))
		if !strings.HasPrefix(got, "0xC0040007") {
			t.Errorf("expected code prefix, got %q", got)
		}
		if !strings.Contains(got, "not found") {
			t.Errorf("expected hint in description, got %q", got)
		}
	})

	t.Run("plain error", func(t *testing.T) {
		if got := DescribeError(errors.New("boom")); got != "boom" {
			t.Errorf("DescribeError = %q, want boom", got)
		}
	})

	t.Run("nil", func(t *testing.T) {
		if got := DescribeError(nil); got != "" {
			t.Errorf("DescribeError(nil) = %q, want empty", got)
		}
	})
}
