package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"olav/internal/capability"
	"olav/internal/knowledge"
	"olav/internal/llm"
	"olav/internal/search"
	"olav/internal/types"
)

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// parseParams turns repeated key=value flags into a parameter map. Values
// stay strings; skill parameter binding coerces types.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, types.Errorf(types.KindParseFailed, "bad parameter %q (want key=value)", p)
		}
		out[k] = v
	}
	return out, nil
}

// ===== RELOAD =====

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload capabilities and skills, rebuild the search index",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		counts, err := a.caps.Reload()
		if err != nil {
			return err
		}
		fmt.Printf("capabilities: %d across %d platforms\n", a.caps.Len(), len(counts))

		skills, err := a.catalog.Reload()
		if err != nil {
			return err
		}
		fmt.Printf("skills: %d\n", skills)

		docs, err := a.index.Rebuild(context.Background(), a.cfg.AgentDir)
		if err != nil {
			return err
		}
		fmt.Printf("index: %d documents\n", docs)
		return nil
	},
}

// ===== STATUS =====

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-subsystem health",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		fmt.Printf("agent dir:    %s\n", a.cfg.AgentDir)

		counts := a.caps.Counts()
		fmt.Printf("capabilities: %d across %d platforms (loaded %s)\n",
			a.caps.Len(), len(counts), a.caps.LoadedAt().Format("15:04:05"))
		for platform, n := range counts {
			fmt.Printf("  %-20s %d\n", platform, n)
		}

		fmt.Printf("skills:       %d\n", a.catalog.Len())
		fmt.Printf("index:        %d documents (%s)\n", a.index.Len(), a.cfg.Search.IndexPath)

		states := a.engine.Pool().States()
		byState := map[string]int{}
		for _, st := range states {
			byState[string(st)]++
		}
		fmt.Printf("connections:  %d", len(states))
		for st, n := range byState {
			fmt.Printf(" %s=%d", st, n)
		}
		fmt.Println()

		threads, err := a.threads.Threads()
		if err != nil {
			return err
		}
		byThreadState := map[string]int{}
		for _, th := range threads {
			byThreadState[th.State]++
		}
		fmt.Printf("threads:      %d", len(threads))
		for st, n := range byThreadState {
			fmt.Printf(" %s=%d", st, n)
		}
		fmt.Println()

		fmt.Printf("llm:          %s %s\n", a.cfg.LLM.Provider, a.cfg.LLM.Model)
		if a.cfg.Embedding.Provider == "" {
			fmt.Println("embedding:    disabled (lexical-only search)")
		} else {
			fmt.Printf("embedding:    %s\n", a.cfg.Embedding.Provider)
		}
		return nil
	},
}

// ===== DEVICES =====

var devicesFilter string

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Inventory operations",
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List inventory devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		devices, err := a.engine.ListDevices(context.Background(), devicesFilter)
		if err != nil {
			return err
		}
		return printJSON(devices)
	},
}

var devicesResolveCmd = &cobra.Command{
	Use:   "resolve [selector]",
	Short: "Expand a selector into the concrete device set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.engine.Resolve(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"resolved": res.Names(), "missing": res.Missing})
	},
}

// ===== CAPABILITIES =====

var (
	capPlatform string
	capKind     string
)

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "Capability whitelist operations",
}

var capabilitiesSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search the whitelist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		hits := a.caps.Search(args[0], capability.SearchOptions{
			Platform: capPlatform,
			Kind:     capability.Kind(capKind),
		})
		for _, hit := range hits {
			fmt.Println(hit.String())
		}
		if len(hits) == 0 {
			fmt.Println("no matches")
		}
		return nil
	},
}

var capabilitiesMatchCmd = &cobra.Command{
	Use:   "match [platform] [command]",
	Short: "Check a command against the whitelist",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		match, err := a.caps.MatchCommand(args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(match)
	},
}

// ===== INSPECT =====

var (
	inspectParams  []string
	inspectPersist bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Skill-driven fleet inspections",
}

var inspectPlanCmd = &cobra.Command{
	Use:   "plan [skill] [selector]",
	Short: "Show the execution plan without touching devices",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		params, err := parseParams(inspectParams)
		if err != nil {
			return err
		}
		plan, err := a.orch.Prepare(context.Background(), args[0], args[1], params, true)
		if err != nil {
			return err
		}
		return printJSON(plan)
	},
}

var inspectRunCmd = &cobra.Command{
	Use:   "run [skill] [selector]",
	Short: "Run a skill over the resolved device set",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		params, err := parseParams(inspectParams)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		plan, err := a.orch.Prepare(ctx, args[0], args[1], params, false)
		if err != nil {
			return err
		}
		report, err := a.orch.Run(ctx, plan, inspectPersist)
		if err != nil {
			return err
		}

		if report.SpilledTo != "" {
			fmt.Printf("report spilled to %s\n", report.SpilledTo)
		} else {
			fmt.Println(report.Markdown)
		}
		if report.PersistedTo != "" {
			fmt.Printf("persisted to %s\n", report.PersistedTo)
		}
		if report.Cancelled {
			fmt.Println("inspection cancelled; report is partial")
		}
		return nil
	},
}

// ===== KNOWLEDGE =====

var (
	knowCategory string
	knowPlatform string
	knowTags     []string

	solTitle     string
	solProblem   string
	solProcess   string
	solRootCause string
	solSolution  string
	solCommands  []string
	solTags      []string

	aliasType     string
	aliasValue    string
	aliasPlatform string
	aliasNotes    string
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Knowledge base operations",
}

var knowledgeSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Hybrid search over skills, solutions and notes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		results, err := a.index.Search(context.Background(), args[0], search.Filters{
			Category: knowCategory,
			Platform: knowPlatform,
			Tags:     knowTags,
		})
		if err != nil {
			return err
		}
		return printJSON(results)
	},
}

var knowledgeSaveSolutionCmd = &cobra.Command{
	Use:   "save-solution",
	Short: "Save a troubleshooting solution document",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		rel, err := a.store.SaveSolution(knowledge.Solution{
			Title:     solTitle,
			Problem:   solProblem,
			Process:   solProcess,
			RootCause: solRootCause,
			Solution:  solSolution,
			Commands:  solCommands,
			Tags:      solTags,
		}, knowledge.OriginAdmin, true)
		if err != nil {
			return err
		}
		fmt.Println("saved:", rel)
		return nil
	},
}

var knowledgeAliasCmd = &cobra.Command{
	Use:   "alias [name]",
	Short: "Add or replace a device/group alias",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		err = a.store.UpdateAlias(knowledge.Alias{
			Alias:    args[0],
			Type:     aliasType,
			Value:    aliasValue,
			Platform: aliasPlatform,
			Notes:    aliasNotes,
		}, knowledge.OriginAdmin, true)
		if err != nil {
			return err
		}
		fmt.Println("alias updated:", args[0])
		return nil
	},
}

// ===== SESSIONS =====

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Conversation thread operations",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List threads, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		threads, err := a.threads.Threads()
		if err != nil {
			return err
		}
		return printJSON(threads)
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show [thread]",
	Short: "Print a thread's transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		thread, err := a.threads.Thread(args[0])
		if err != nil {
			return err
		}
		msgs, err := a.threads.Messages(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("thread %s (%s)\n", thread.ID, thread.State)
		for _, msg := range msgs {
			switch msg.Role {
			case llm.RoleTool:
				fmt.Printf("[%d] tool %s: %s\n", msg.Seq, msg.ToolName, msg.Content)
			default:
				fmt.Printf("[%d] %s: %s\n", msg.Seq, msg.Role, msg.Content)
			}
		}
		if interrupt, err := a.threads.PendingInterrupt(args[0]); err == nil && interrupt != nil {
			payload, _ := json.Marshal(interrupt.Args)
			fmt.Printf("pending approval: %s %s (fingerprint %s)\n", interrupt.Tool, payload, interrupt.Fingerprint)
		}
		return nil
	},
}

func resolveCmd(approve bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		mgr, err := a.manager()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reply, err := mgr.Resume(ctx, args[0], approve)
		if err != nil {
			return err
		}
		printReply(reply)
		return nil
	}
}

var sessionsApproveCmd = &cobra.Command{
	Use:   "approve [thread]",
	Short: "Approve the thread's pending action and resume it",
	Args:  cobra.ExactArgs(1),
	RunE:  resolveCmd(true),
}

var sessionsRejectCmd = &cobra.Command{
	Use:   "reject [thread]",
	Short: "Reject the thread's pending action and resume it",
	Args:  cobra.ExactArgs(1),
	RunE:  resolveCmd(false),
}

var sessionsCancelCmd = &cobra.Command{
	Use:   "cancel [thread]",
	Short: "Cancel a thread and clear any pending approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		mgr, err := a.manager()
		if err != nil {
			return err
		}
		return mgr.Cancel(args[0])
	},
}

func init() {
	devicesListCmd.Flags().StringVar(&devicesFilter, "filter", "", "Selector to narrow the listing")

	capabilitiesSearchCmd.Flags().StringVar(&capPlatform, "platform", "", "Restrict to one platform")
	capabilitiesSearchCmd.Flags().StringVar(&capKind, "kind", "", "Restrict to 'command' or 'api'")

	inspectPlanCmd.Flags().StringArrayVar(&inspectParams, "param", nil, "Skill parameter as key=value (repeatable)")
	inspectRunCmd.Flags().StringArrayVar(&inspectParams, "param", nil, "Skill parameter as key=value (repeatable)")
	inspectRunCmd.Flags().BoolVar(&inspectPersist, "persist", false, "Write the report into the knowledge store")

	knowledgeSearchCmd.Flags().StringVar(&knowCategory, "category", "", "Filter: skill, solution, alias or knowledge")
	knowledgeSearchCmd.Flags().StringVar(&knowPlatform, "platform", "", "Filter by platform")
	knowledgeSearchCmd.Flags().StringSliceVar(&knowTags, "tag", nil, "Filter by tag (repeatable)")

	knowledgeSaveSolutionCmd.Flags().StringVar(&solTitle, "title", "", "Solution title (required)")
	knowledgeSaveSolutionCmd.Flags().StringVar(&solProblem, "problem", "", "Problem description")
	knowledgeSaveSolutionCmd.Flags().StringVar(&solProcess, "process", "", "Troubleshooting process")
	knowledgeSaveSolutionCmd.Flags().StringVar(&solRootCause, "root-cause", "", "Root cause")
	knowledgeSaveSolutionCmd.Flags().StringVar(&solSolution, "solution", "", "The fix")
	knowledgeSaveSolutionCmd.Flags().StringSliceVar(&solCommands, "command", nil, "Command used (repeatable)")
	knowledgeSaveSolutionCmd.Flags().StringSliceVar(&solTags, "tag", nil, "Tag (repeatable)")
	_ = knowledgeSaveSolutionCmd.MarkFlagRequired("title")

	knowledgeAliasCmd.Flags().StringVar(&aliasType, "type", "device", "Alias type: device or group")
	knowledgeAliasCmd.Flags().StringVar(&aliasValue, "value", "", "Device name or group selector (required)")
	knowledgeAliasCmd.Flags().StringVar(&aliasPlatform, "platform", "", "Platform hint")
	knowledgeAliasCmd.Flags().StringVar(&aliasNotes, "notes", "", "Free-form notes")
	_ = knowledgeAliasCmd.MarkFlagRequired("value")
}
