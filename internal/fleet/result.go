// Package fleet executes whitelisted operations against the device fleet:
// capability gate, connection pool with per-device serialization, template
// parsing and token accounting. The engine reports, it does not decide —
// retries and escalation belong to the caller.
package fleet

import (
	"time"

	"olav/internal/types"
)

// ExecutionResult is the outcome of one operation on one device. On failure
// Success is false and ErrorKind/ErrorMessage carry the cause; the result is
// still returned so reports can be built from it.
type ExecutionResult struct {
	Device         string              `json:"device"`
	PatternMatched string              `json:"pattern_matched"`
	Raw            string              `json:"raw,omitempty"`
	Parsed         []map[string]string `json:"parsed,omitempty"`
	Structured     bool                `json:"structured"`
	TokensRaw      int                 `json:"tokens_raw"`
	TokensParsed   int                 `json:"tokens_parsed,omitempty"`
	TokensSaved    int                 `json:"tokens_saved,omitempty"`
	DurationMS     int64               `json:"duration_ms"`
	Success        bool                `json:"success"`
	ErrorKind      types.ErrorKind     `json:"error_kind,omitempty"`
	ErrorMessage   string              `json:"error_message,omitempty"`
}

// Tokens estimates the LLM token cost of a text as ceil(chars/4).
func Tokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

func failedResult(device, pattern string, started time.Time, err error) *ExecutionResult {
	return &ExecutionResult{
		Device:         device,
		PatternMatched: pattern,
		DurationMS:     time.Since(started).Milliseconds(),
		Success:        false,
		ErrorKind:      types.KindOf(err),
		ErrorMessage:   err.Error(),
	}
}
