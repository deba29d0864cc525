package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bananahana720/phx-property-collector/internal/config"
	"github.com/bananahana720/phx-property-collector/internal/errs"
)

var cfg *config.Config

// errPartialFailure marks runs where some records failed but the run
// itself completed.
var errPartialFailure = errors.New("some records failed")

var rootCmd = &cobra.Command{
	Use:   "phx-collector",
	Short: "Phoenix residential property data collection pipeline",
	Long:  "Collects Maricopa County assessor records and Phoenix MLS listings, extracts structured data with a local LLM, validates, and persists to the document store.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("validate config: %w", err)
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

func main() {
	err := rootCmd.Execute()
	switch {
	case err == nil:
	case errs.IsKind(err, errs.KindConfiguration):
		os.Exit(1)
	case errors.Is(err, errPartialFailure):
		os.Exit(2)
	default:
		os.Exit(3)
	}
}
