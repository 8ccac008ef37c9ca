// Package main implements readyctl, a CLI for the readyd HTTP API and for
// scoring task text locally.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL of the readyd server.
	serverURL string
	// orgID is sent as X-Organization-ID on every API call.
	orgID string

	version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "readyctl",
		Short: "CLI for readyd task readiness analysis",
		Long: `readyctl talks to a readyd server to analyze tasks, request task
suggestions and follow jobs. The score command runs the readiness rules
locally without a server.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("READYD_URL", "http://localhost:8080"), "readyd server URL")
	root.PersistentFlags().StringVar(&orgID, "org", os.Getenv("READYD_ORG_ID"), "organization id")

	root.AddCommand(newScoreCmd())
	root.AddCommand(newHealthCmd())
	root.AddCommand(newAnalyzeCmd())
	root.AddCommand(newSuggestCmd())
	root.AddCommand(newReviewCmd("approve"))
	root.AddCommand(newReviewCmd("reject"))
	root.AddCommand(newJobCmd())
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
