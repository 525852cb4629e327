package main

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ahrav/go-fincheck/internal/profile"
)

var profileCmd = &cobra.Command{
	Use:   "profile <question>",
	Short: "Show how a question is classified",
	Long:  "Prints the expected answer type, formula, sign, aggregation intent, operand hints and years detected in a question.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := profile.Profile(strings.Join(args, " "))
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(q); err != nil {
			return eris.Wrap(err, "profile: encode")
		}
		return nil
	},
}
