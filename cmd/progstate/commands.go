package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/progview/progstate/assemble"
)

func newCoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "core <corefile>",
		Short: "Inspect an ELF core dump (kernel vmcore or userspace core)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := assemblerFromFlags(cmd)
			if err != nil {
				return err
			}
			p, err := a.FromCoreDump(args[0])
			if err != nil {
				return err
			}
			return runAgainst(cmd, p)
		},
	}
	addTargetFlags(cmd)
	return cmd
}

func newKernelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kernel",
		Short: "Inspect the running kernel via /proc/kcore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := assemblerFromFlags(cmd)
			if err != nil {
				return err
			}
			p, err := a.FromKernel()
			if err != nil {
				return err
			}
			return runAgainst(cmd, p)
		},
	}
	addTargetFlags(cmd)
	return cmd
}

func newPidCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pid <pid>",
		Short: "Inspect a live process via /proc/<pid>/mem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid %q: %w", args[0], err)
			}
			a, err := assemblerFromFlags(cmd)
			if err != nil {
				return err
			}
			p, err := a.FromPid(pid)
			if err != nil {
				return err
			}
			return runAgainst(cmd, p)
		},
	}
	addTargetFlags(cmd)
	return cmd
}

// addTargetFlags adds the per-target query flags shared by core/kernel/pid.
func addTargetFlags(cmd *cobra.Command) {
	cmd.Flags().String("symbol", "", "look up a single symbol's relocated address and exit")
	cmd.Flags().Bool("shell", false, "start an interactive symbol-lookup shell")
}

func assemblerFromFlags(cmd *cobra.Command) (*assemble.Assembler, error) {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return nil, err
	}
	base, err := cmd.Flags().GetString("base")
	if err != nil {
		return nil, err
	}
	return &assemble.Assembler{Verbose: verbose, Base: base}, nil
}

// runAgainst dispatches a bootstrapped Program to either a single symbol
// lookup, an interactive shell, or the default overview printout.
func runAgainst(cmd *cobra.Command, p *assemble.Program) error {
	defer p.Destroy()

	for _, w := range p.Warnings() {
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", w)
	}

	symbol, err := cmd.Flags().GetString("symbol")
	if err != nil {
		return err
	}
	if symbol != "" {
		return lookupAndPrint(p, symbol)
	}

	shell, err := cmd.Flags().GetBool("shell")
	if err != nil {
		return err
	}
	if shell {
		return runShell(p)
	}

	printOverview(p)
	return nil
}

func lookupAndPrint(p *assemble.Program, name string) error {
	sym, err := p.Syms.Lookup(name)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", sym.Name, sym.Address)
	return nil
}

func printOverview(p *assemble.Program) {
	t := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
	defer t.Flush()

	fmt.Fprintf(t, "kernel\t%v\n", p.IsKernel())
	fmt.Fprintf(t, "pointer size\t%d\n", p.PtrSize)
	fmt.Fprintf(t, "little endian\t%v\n", p.LittleEndian)
	if p.IsKernel() {
		fmt.Fprintf(t, "kaslr offset\t%#x\n", p.Vmcoreinfo.KASLROffset)
		fmt.Fprintf(t, "release\t%s\n", p.Vmcoreinfo.OSRelease)
		return
	}
	fmt.Fprintf(t, "mappings\t%d\n", len(p.Mappings.Mappings()))
	for _, m := range p.Mappings.Mappings() {
		fmt.Fprintf(t, "  %s-%s\t%s@%#x\n", m.Start, m.End, m.Path, m.FileOffset)
	}
}
