package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bananahana720/phx-property-collector/internal/proxy"
	"github.com/bananahana720/phx-property-collector/internal/ratelimit"
)

type healthReport struct {
	LLM     string             `json:"llm"`
	Store   string             `json:"store"`
	Proxies []proxy.EntryStats `json:"proxies,omitempty"`
	Limits  []ratelimit.Stats  `json:"rate_limits"`
	Healthy bool               `json:"healthy"`
}

func statusString(err error) string {
	if err != nil {
		return "unhealthy: " + err.Error()
	}
	return "ok"
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check connectivity to the LLM, document store, and proxies",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		comps, err := build(ctx)
		if err != nil {
			return err
		}
		defer comps.integrator.Close(ctx)

		report := healthReport{Healthy: true}

		llmErr := comps.llm.HealthCheck(ctx)
		report.LLM = statusString(llmErr)

		storeErr := comps.store.Ping(ctx)
		report.Store = statusString(storeErr)

		comps.proxies.CheckHealthAll(ctx)
		report.Proxies = comps.proxies.Stats()
		report.Limits = comps.limiters.StatsAll()
		report.Healthy = llmErr == nil && storeErr == nil

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		if !report.Healthy {
			return errPartialFailure
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
