// Command gencases writes a synthetic case file for fincheck verify. Each
// case is a small income statement, a question over it, and a recorded
// reasoner output with an injected fault, so a verify run scores how many
// faults the pipeline catches and corrects.
package main

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ahrav/go-fincheck/internal/testutils"
)

var (
	size   int
	seed   int64
	output string
)

var rootCmd = &cobra.Command{
	Use:          "gencases",
	Short:        "Generate synthetic fincheck cases",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if size < 1 {
			return eris.Errorf("size must be positive, got %d", size)
		}
		if !cmd.Flags().Changed("seed") {
			seed = time.Now().UnixNano()
		}

		cases := testutils.GenerateCases(size, seed)
		if err := testutils.SaveCases(cases, output); err != nil {
			return eris.Wrap(err, "save cases")
		}

		stats := testutils.ComputeCaseStatistics(cases)
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Generated %d cases (seed %d)\n", stats.Total, seed)
		fmt.Fprintf(out, "- Path: %s\n", output)
		printCounts(cmd, "Formulas", stats.ByFormula)
		printCounts(cmd, "Faults", stats.ByFault)
		fmt.Fprintf(out, "- Cases with a retry recording: %d\n", stats.Retried)
		return nil
	},
}

func printCounts(cmd *cobra.Command, title string, counts map[string]int) {
	fmt.Fprintf(cmd.OutOrStdout(), "- %s:\n", title)
	for _, k := range slices.Sorted(maps.Keys(counts)) {
		fmt.Fprintf(cmd.OutOrStdout(), "    %-24s %d\n", k, counts[k])
	}
}

func init() {
	f := rootCmd.Flags()
	f.IntVar(&size, "size", 100, "number of cases to generate")
	f.Int64Var(&seed, "seed", 0, "random seed (default: time based)")
	f.StringVar(&output, "output", "testdata/cases/synthetic.yaml", "output case file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
