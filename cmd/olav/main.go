// Command olav is the network-operations assistant core: an approval-gated
// agent loop over a whitelisted device fleet, with skill-driven inspections
// and a hybrid-searchable knowledge base.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"olav/internal/logging"
	"olav/internal/types"
)

var (
	// Global flags
	agentDir string
	verbose  bool
	logJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "olav",
	Short: "OLAV - network operations assistant core",
	Long: `OLAV is an operations assistant for network device fleets.

Every device interaction passes a capability whitelist, every write waits
for human approval, and everything the assistant learns lands in a plain
markdown knowledge base with hybrid (lexical + vector) search.

Run without arguments to start an interactive chat session.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd, args)
	},
}

func defaultAgentDir() string {
	if v := os.Getenv("OLAV_AGENT_DIR"); v != "" {
		return v
	}
	return "."
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&agentDir, "agent-dir", "a", defaultAgentDir(), "Agent directory (identity, skills, knowledge, imports)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON")

	devicesCmd.AddCommand(devicesListCmd)
	devicesCmd.AddCommand(devicesResolveCmd)

	capabilitiesCmd.AddCommand(capabilitiesSearchCmd)
	capabilitiesCmd.AddCommand(capabilitiesMatchCmd)

	inspectCmd.AddCommand(inspectPlanCmd)
	inspectCmd.AddCommand(inspectRunCmd)

	knowledgeCmd.AddCommand(knowledgeSearchCmd)
	knowledgeCmd.AddCommand(knowledgeSaveSolutionCmd)
	knowledgeCmd.AddCommand(knowledgeAliasCmd)

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsApproveCmd)
	sessionsCmd.AddCommand(sessionsRejectCmd)
	sessionsCmd.AddCommand(sessionsCancelCmd)

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(capabilitiesCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(knowledgeCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	logging.Sync()
	os.Exit(types.ExitCode(err))
}
