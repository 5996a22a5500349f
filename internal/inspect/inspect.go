// Package inspect runs skills across device sets with a map-reduce
// schedule: bounded fan-out over the fleet engine, per-device summaries
// tiered by the skill's acceptance criteria, and a deterministic Markdown
// report. A single bad device never fails a run; it becomes a FAIL row.
package inspect

import (
	"time"

	"olav/internal/inventory"
	"olav/internal/skill"
	"olav/internal/types"
)

// Tiers assigned to a device after its sequence runs.
const (
	TierPass    = "PASS"
	TierWarning = "WARNING"
	TierFail    = "FAIL"
	TierSkipped = "SKIPPED"
)

// Plan is a prepared inspection: skill resolved, parameters bound, scope
// expanded. A plan is inert until Run.
type Plan struct {
	ID         string             `json:"id"`
	SkillID    string             `json:"skill_id"`
	Selector   string             `json:"selector"`
	Parameters map[string]any     `json:"parameters,omitempty"`
	Devices    []inventory.Device `json:"devices"`
	DryRun     bool               `json:"dry_run,omitempty"`
	ThreadID   string             `json:"thread_id,omitempty"`

	// DeviceTimeout is estimated_runtime×3 clamped to the configured window.
	DeviceTimeout time.Duration `json:"device_timeout"`
	CreatedAt     time.Time     `json:"created_at"`

	skill *skill.Skill
}

// Skill returns the resolved skill.
func (p *Plan) Skill() *skill.Skill { return p.skill }

// StepResult is one executed step on one device.
type StepResult struct {
	Command      string          `json:"command"`
	Success      bool            `json:"success"`
	ErrorKind    types.ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Issues       []string        `json:"issues,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
	TokensRaw    int             `json:"tokens_raw"`
	TokensParsed int             `json:"tokens_parsed,omitempty"`
}

// DeviceSummary is the map-phase output for one device.
type DeviceSummary struct {
	Device     string          `json:"device"`
	Platform   string          `json:"platform"`
	Tier       string          `json:"tier"`
	Reason     string          `json:"reason,omitempty"`
	ErrorKind  types.ErrorKind `json:"error_kind,omitempty"`
	Steps      []StepResult    `json:"steps,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// Issues flattens the issues recorded across the device's steps.
func (d *DeviceSummary) Issues() []string {
	var out []string
	for _, s := range d.Steps {
		out = append(out, s.Issues...)
	}
	return out
}

// Aggregate is the reduce-phase rollup.
type Aggregate struct {
	Total          int            `json:"total"`
	Tiers          map[string]int `json:"tiers"`
	TopFailing     []string       `json:"top_failing,omitempty"`
	DominantErrors []string       `json:"dominant_errors,omitempty"`
	CommonIssues   []string       `json:"common_issues,omitempty"`
}

// Report is the full inspection outcome.
type Report struct {
	Plan      *Plan                     `json:"plan"`
	PerDevice map[string]*DeviceSummary `json:"per_device"`
	Aggregate Aggregate                 `json:"aggregate"`

	// Markdown holds the rendered report, or a pointer line when the
	// report was spilled to SpilledTo.
	Markdown  string `json:"markdown"`
	SpilledTo string `json:"spilled_to,omitempty"`

	// PersistedTo is the knowledge path when the run was persisted.
	PersistedTo string `json:"persisted_to,omitempty"`

	TokensIn  int  `json:"tokens_in"`
	TokensOut int  `json:"tokens_out"`
	Cancelled bool `json:"cancelled,omitempty"`

	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}
