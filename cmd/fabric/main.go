package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd is separated out for the purpose of unit testing.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fabric",
		Short: "WebAssembly execution core",
		Long: `fabric - compile and run WebAssembly modules ahead of time.

Modules are built in, as the core reads no text or binary format. Use "fabric list"
to see them, "fabric run" to call their exports and "fabric encode" to write their
binary form for other engines.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Runtime config file (yaml, json or toml)")

	root.AddCommand(newRunCmd(), newEncodeCmd(), newListCmd())
	return root
}
