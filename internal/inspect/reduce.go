package inspect

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"olav/internal/fleet"
	"olav/internal/knowledge"
)

// ===== REDUCE PHASE =====

func (o *Orchestrator) reduce(plan *Plan, summaries map[string]*DeviceSummary, cancelled bool, started time.Time) *Report {
	report := &Report{
		Plan:      plan,
		PerDevice: summaries,
		Aggregate: aggregate(len(plan.Devices), summaries),
		Cancelled: cancelled,
		Started:   started,
		Finished:  time.Now().UTC(),
	}
	for _, s := range summaries {
		for _, step := range s.Steps {
			report.TokensIn += step.TokensRaw
		}
	}

	markdown := render(report)
	report.TokensOut = fleet.Tokens(markdown)
	if report.TokensOut > o.cfg.SpillTokens {
		o.spill(report, markdown)
	} else {
		report.Markdown = markdown
	}
	return report
}

func aggregate(planned int, summaries map[string]*DeviceSummary) Aggregate {
	agg := Aggregate{
		Total: planned,
		Tiers: map[string]int{TierPass: 0, TierWarning: 0, TierFail: 0, TierSkipped: 0},
	}
	// Devices cancelled before they started have no report section but
	// still count in the rollup.
	agg.Tiers[TierSkipped] += planned - len(summaries)

	errorCounts := map[string]int{}
	issueCounts := map[string]int{}
	var failing []string
	for name, s := range summaries {
		agg.Tiers[s.Tier]++
		if s.Tier == TierFail {
			failing = append(failing, name)
			if s.ErrorKind != "" {
				errorCounts[string(s.ErrorKind)]++
			}
		}
		for _, issue := range s.Issues() {
			issueCounts[issue]++
		}
	}

	sort.Strings(failing)
	const topN = 5
	if len(failing) > topN {
		failing = failing[:topN]
	}
	agg.TopFailing = failing
	agg.DominantErrors = topByCount(errorCounts, 3)
	agg.CommonIssues = topByCount(issueCounts, 5)
	return agg
}

// topByCount returns keys sorted by descending count, ties alphabetical.
func topByCount(counts map[string]int, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		if counts[keys[a]] != counts[keys[b]] {
			return counts[keys[a]] > counts[keys[b]]
		}
		return keys[a] < keys[b]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// ===== REPORT RENDERING =====

// render produces the Markdown report. Deterministic: device sections and
// every list are sorted.
func render(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Inspection Report: %s\n\n", r.Plan.SkillID)
	fmt.Fprintf(&b, "- Plan: `%s`\n", r.Plan.ID)
	fmt.Fprintf(&b, "- Selector: `%s`\n", r.Plan.Selector)
	fmt.Fprintf(&b, "- Devices: %d\n", len(r.Plan.Devices))
	if r.Cancelled {
		b.WriteString("- **Cancelled**: partial results covering completed devices only\n")
	}
	b.WriteString("\n## Overview\n\n")
	b.WriteString("| Tier | Count |\n|---|---|\n")
	for _, tier := range []string{TierPass, TierWarning, TierFail, TierSkipped} {
		fmt.Fprintf(&b, "| %s | %d |\n", tier, r.Aggregate.Tiers[tier])
	}

	if len(r.Aggregate.TopFailing) > 0 {
		b.WriteString("\n**Top failing:** " + strings.Join(r.Aggregate.TopFailing, ", ") + "\n")
	}
	if len(r.Aggregate.DominantErrors) > 0 {
		b.WriteString("\n**Dominant errors:** " + strings.Join(r.Aggregate.DominantErrors, ", ") + "\n")
	}
	if len(r.Aggregate.CommonIssues) > 0 {
		b.WriteString("\n**Common issues:**\n\n")
		for _, issue := range r.Aggregate.CommonIssues {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
	}

	b.WriteString("\n## Devices\n")
	names := make([]string, 0, len(r.PerDevice))
	for name := range r.PerDevice {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := r.PerDevice[name]
		fmt.Fprintf(&b, "\n### %s — %s\n\n", name, s.Tier)
		if s.Reason != "" {
			fmt.Fprintf(&b, "Reason: %s\n\n", s.Reason)
		}
		for _, step := range s.Steps {
			status := "ok"
			if !step.Success {
				status = string(step.ErrorKind)
			}
			fmt.Fprintf(&b, "- `%s` — %s (%dms)\n", step.Command, status, step.DurationMS)
			for _, issue := range step.Issues {
				fmt.Fprintf(&b, "  - %s\n", issue)
			}
		}
	}

	b.WriteString("\n## Appendix\n\n")
	if len(r.Plan.Parameters) > 0 {
		keys := make([]string, 0, len(r.Plan.Parameters))
		for k := range r.Plan.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Parameters:\n\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s = %v\n", k, r.Plan.Parameters[k])
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Duration: %s\n", r.Finished.Sub(r.Started).Round(time.Millisecond))
	return b.String()
}

// spill writes an oversized report to disk and leaves a pointer in memory.
func (o *Orchestrator) spill(report *Report, markdown string) {
	dir := o.cfg.SpillDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.log.Warn("failed to create spill dir, keeping report in memory", zap.Error(err))
		report.Markdown = markdown
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.md", report.Plan.SkillID, report.Plan.ID))
	if err := os.WriteFile(path, []byte(markdown), 0o644); err != nil {
		o.log.Warn("failed to spill report, keeping it in memory", zap.Error(err))
		report.Markdown = markdown
		return
	}
	report.SpilledTo = path
	report.Markdown = fmt.Sprintf("Report too large (%d tokens); written to %s", report.TokensOut, path)
	o.log.Info("report spilled to file", zap.String("path", path), zap.Int("tokens", report.TokensOut))
}

// persist writes the report into the knowledge store. Persisting is a
// system-level write: approval was granted when the run was requested with
// persist=true, so the write bypasses the agent gate.
func (o *Orchestrator) persist(report *Report) {
	if o.store == nil {
		return
	}
	markdown := report.Markdown
	if report.SpilledTo != "" {
		data, err := os.ReadFile(report.SpilledTo)
		if err != nil {
			o.log.Warn("failed to read spilled report for persist", zap.Error(err))
			return
		}
		markdown = string(data)
	}
	rel := fmt.Sprintf("knowledge/reports/%s-%s.md",
		report.Plan.SkillID, report.Started.Format("20060102-150405"))
	if err := o.store.Write(rel, markdown, knowledge.OriginAdmin, true); err != nil {
		o.log.Warn("failed to persist report", zap.String("path", rel), zap.Error(err))
		return
	}
	report.PersistedTo = rel
	o.log.Info("report persisted", zap.String("path", rel))
}
