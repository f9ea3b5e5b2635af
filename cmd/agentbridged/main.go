// Command agentbridged runs the agent-runtime server: the conversation
// orchestrator, the webhook trigger pipeline, and ExternalChatService's
// Telegram bridge, all behind one HTTP listener.
//
// Usage:
//
//	agentbridged serve --config agentbridged.yaml
//	agentbridged migrate up --dsn postgres://...
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "agentbridged",
		Short:        "agentbridged runs the conversation orchestrator and webhook trigger pipeline",
		Version:      fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildMigrateCmd())
	return root
}
