package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"typed", NewError(KindNotPermitted, "nope"), KindNotPermitted},
		{"wrapped once", fmt.Errorf("outer: %w", NewError(KindTimeout, "slow")), KindTimeout},
		{"untyped", errors.New("plain"), KindInternal},
		{"cause chain", WrapError(KindTransport, "dial", errors.New("refused")), KindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(KindTransport, "open session", cause)

	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
	if !IsKind(err, KindTransport) {
		t.Error("IsKind failed on direct error")
	}
}

func TestNeedsApprovalCarriesFingerprint(t *testing.T) {
	err := NeedsApproval("execute_command", map[string]any{
		"device":  "R1",
		"command": "configure terminal",
	})

	req, ok := ApprovalOf(err)
	if !ok {
		t.Fatal("ApprovalOf did not find the approval request")
	}
	if req.Tool != "execute_command" {
		t.Errorf("tool = %q", req.Tool)
	}
	if req.Fingerprint == "" {
		t.Error("empty fingerprint")
	}

	// Same logical call, different map construction order.
	again := NeedsApproval("execute_command", map[string]any{
		"command": "configure terminal",
		"device":  "R1",
	})
	r2, _ := ApprovalOf(again)
	if r2.Fingerprint != req.Fingerprint {
		t.Errorf("fingerprint unstable: %s vs %s", req.Fingerprint, r2.Fingerprint)
	}
}

func TestFingerprintDistinguishesCalls(t *testing.T) {
	a := Fingerprint("execute_command", map[string]any{"device": "R1", "command": "reload"})
	b := Fingerprint("execute_command", map[string]any{"device": "R2", "command": "reload"})
	if a == b {
		t.Error("different devices produced the same fingerprint")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{NewError(KindNotPermitted, "x"), 2},
		{NewError(KindNotFound, "x"), 3},
		{NewError(KindEmptyScope, "x"), 3},
		{NewError(KindTimeout, "x"), 4},
		{NewError(KindTransport, "x"), 4},
		{NewError(KindAuth, "x"), 4},
		{NewError(KindBusy, "x"), 5},
		{errors.New("plain"), 1},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
