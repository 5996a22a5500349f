package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ApprovalRequest records a pending write-class call awaiting human approval.
// The fingerprint makes resume idempotent: replaying an approval with the
// same fingerprint executes the underlying call exactly once.
type ApprovalRequest struct {
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args"`
	Fingerprint string         `json:"fingerprint"`
}

// NeedsApproval builds the protocol error that suspends a thread until a
// human approves the named call.
func NeedsApproval(tool string, args map[string]any) *Error {
	return &Error{
		Kind:    KindNeedsApproval,
		Message: fmt.Sprintf("%s requires approval", tool),
		Approval: &ApprovalRequest{
			Tool:        tool,
			Args:        args,
			Fingerprint: Fingerprint(tool, args),
		},
	}
}

// Fingerprint hashes (tool, arguments) into a stable identifier. Arguments
// are serialized with sorted keys so two calls with the same logical content
// always collide.
func Fingerprint(tool string, args map[string]any) string {
	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write([]byte(canonicalArgs(args)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// canonicalArgs renders args as key=json pairs in key order. encoding/json
// sorts map keys, but nested values keep insertion-independent ordering only
// through this explicit walk of the top level.
func canonicalArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		v, err := json.Marshal(args[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%v", args[k]))
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(v)
	}
	return b.String()
}
