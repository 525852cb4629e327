// Command fincheck verifies answers to financial questions against their
// evidence, correcting or retrying them, and reports a confidence tier.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahrav/go-fincheck/internal/config"
)

var (
	cfg        *config.Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "fincheck",
	Short: "Verify and correct answers to financial questions",
	Long: "Runs recorded or live reasoner answers through the verification gate: fast correction, " +
		"formula recomputation, re-extraction, rule checks and consistency voting.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./fincheck.yaml)")
	rootCmd.AddCommand(verifyCmd, profileCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
