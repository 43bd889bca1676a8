package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show perfsampler version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "perfsampler %s\n", version)
		fmt.Fprintf(out, "Git Commit: %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}

// Set by build scripts via -ldflags
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)
