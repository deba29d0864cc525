package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// validate-env verifies the loaded configuration without touching any
// external service. Connectivity checks live under the health command.
var validateEnvCmd = &cobra.Command{
	Use:   "validate-env",
	Short: "Validate configuration and environment without making network calls",
	RunE: func(cmd *cobra.Command, args []string) error {
		// PersistentPreRunE already loaded and validated the config;
		// report the effective settings that matter operationally.
		fmt.Fprintf(os.Stdout, "config: ok\n")
		fmt.Fprintf(os.Stdout, "assessor: %s (rate %d rpm)\n", cfg.Assessor.BaseURL, cfg.Assessor.RateLimitRPM)
		fmt.Fprintf(os.Stdout, "mls: %s (rate %d rpm, burst %d)\n", cfg.MLS.BaseURL, cfg.MLS.RateLimitRPM, cfg.MLS.Burst)
		fmt.Fprintf(os.Stdout, "llm: %s model=%s\n", cfg.LLM.BaseURL, cfg.LLM.Model)
		fmt.Fprintf(os.Stdout, "store: driver=%s db=%s\n", cfg.Store.Driver, cfg.Store.DatabaseName)
		fmt.Fprintf(os.Stdout, "cache: backend=%s ttl=%s\n", cfg.Cache.Backend, cfg.Cache.TTL())
		fmt.Fprintf(os.Stdout, "proxies: %d configured\n", len(cfg.Proxy.Entries))
		if cfg.Captcha.Enabled {
			fmt.Fprintf(os.Stdout, "captcha: %s\n", cfg.Captcha.Service)
		} else {
			fmt.Fprintf(os.Stdout, "captcha: disabled\n")
		}

		if len(cfg.Proxy.Entries) == 0 {
			zap.L().Warn("no proxies configured; MLS scraping will use the direct connection")
		}
		if cfg.Assessor.APIKey == "" {
			zap.L().Warn("assessor.api_key is empty; assessor requests will be unauthenticated")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateEnvCmd)
}
