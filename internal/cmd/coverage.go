package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reprl-go/reprl"
)

// addCoverageCommands wires save-coverage and load-coverage, which spawn a
// worker just long enough to learn its edge count, then persist or restore
// the virgin bitmap.
func addCoverageCommands(root *cobra.Command) {
	root.AddCommand(newSaveCoverageCmd())
	root.AddCommand(newLoadCoverageCmd())
}

func newSaveCoverageCmd() *cobra.Command {
	var target, bin, baseline, out string

	cmd := &cobra.Command{
		Use:   "save-coverage",
		Short: "Spawn a worker and save its freshly-sized, empty virgin bitmap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || bin == "" || out == "" {
				return fmt.Errorf("reprl-harness: --target, --bin, and --out are required")
			}
			p := reprl.NewPool(1)
			w, err := p.Init(0, reprl.Options{Target: reprl.Target(target), Bin: bin, Baseline: baseline})
			if err != nil {
				return err
			}
			defer w.Destroy()
			if err := w.Spawn(); err != nil {
				return err
			}
			found, err := w.Coverage().SaveVirginToFile(out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d edges already found)\n", out, found)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&target, "target", "", "Engine family: v8, firefox, or jsc")
	flags.StringVar(&bin, "bin", "", "Path to the instrumented engine shell")
	flags.StringVar(&baseline, "baseline", "", "Firefox wasm compiler tier: baseline or ion")
	flags.StringVar(&out, "out", "", "Path to write the virgin bitmap to")
	return cmd
}

func newLoadCoverageCmd() *cobra.Command {
	var target, bin, baseline, in string

	cmd := &cobra.Command{
		Use:   "load-coverage",
		Short: "Spawn a worker and report how a persisted virgin bitmap maps onto it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || bin == "" || in == "" {
				return fmt.Errorf("reprl-harness: --target, --bin, and --in are required")
			}
			p := reprl.NewPool(1)
			w, err := p.Init(0, reprl.Options{Target: reprl.Target(target), Bin: bin, Baseline: baseline})
			if err != nil {
				return err
			}
			defer w.Destroy()
			if err := w.Spawn(); err != nil {
				return err
			}
			found, err := w.Coverage().LoadVirginFromFile(in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %s (%d edges already found)\n", in, found)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&target, "target", "", "Engine family: v8, firefox, or jsc")
	flags.StringVar(&bin, "bin", "", "Path to the instrumented engine shell")
	flags.StringVar(&baseline, "baseline", "", "Firefox wasm compiler tier: baseline or ion")
	flags.StringVar(&in, "in", "", "Path to read the virgin bitmap from")
	return cmd
}
