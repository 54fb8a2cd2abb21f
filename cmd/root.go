package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set via ldflags at build time
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

var rootCmd = &cobra.Command{
	Use:     "boardsync",
	Short:   "Realtime board event distribution",
	Long:    `A single-binary realtime hub that fans out workspace, board, column and card changes to authorized clients.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate("boardsync version {{.Version}}\n")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
