// The progstate command bootstraps a program-state target (a kernel core,
// /proc/kcore, or a live process) and lets a user look up relocated symbol
// addresses, either as one-shot subcommands or from an interactive shell.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "progstate: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "progstate",
		Short:         "Inspect a kernel core, /proc/kcore, or a live process's relocated symbols",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("base", "", "root directory to find debug file references")
	root.PersistentFlags().BoolP("verbose", "v", false, "report partial debug-file discovery failures")

	root.AddCommand(newCoreCmd())
	root.AddCommand(newKernelCmd())
	root.AddCommand(newPidCmd())
	return root
}
