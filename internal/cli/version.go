package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"stablepay/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "version: %s\ncommit: %s\nbuilt: %s\n", version.Version, version.Commit, version.BuildDate)
		fmt.Fprintf(out, "user-agent: %s\ngo: %s %s/%s\n", version.UserAgent(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
