package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bananahana720/phx-property-collector/internal/collect"
	"github.com/bananahana720/phx-property-collector/internal/integrator"
)

var (
	collectZip    string
	collectAPN    string
	collectURL    string
	collectLimit  int
	collectStream bool
)

// resultLine is the JSON shape emitted per processed record.
type resultLine struct {
	PropertyID   string   `json:"property_id,omitempty"`
	Source       string   `json:"source,omitempty"`
	Success      bool     `json:"success"`
	SavedToDB    bool     `json:"saved_to_db"`
	ProcessingMS int64    `json:"processing_ms"`
	Warnings     []string `json:"warnings,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func toLine(r integrator.Result) resultLine {
	line := resultLine{
		PropertyID:   r.PropertyID,
		Source:       r.Source,
		Success:      r.Success,
		SavedToDB:    r.SavedToDB,
		ProcessingMS: r.ProcessingTime.Milliseconds(),
		Warnings:     r.Warnings,
	}
	if r.Err != nil {
		line.Error = r.Err.Error()
	}
	return line
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect properties for a zipcode, parcel number, or listing URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := collect.Query{
			Zip:   collectZip,
			APN:   collectAPN,
			URL:   collectURL,
			Limit: collectLimit,
		}
		if countSet(collectZip, collectAPN, collectURL) != 1 {
			return eris.New("exactly one of --zip, --apn, --url is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		comps, err := build(ctx)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
			defer cancel()
			if err := comps.integrator.Close(closeCtx); err != nil {
				zap.L().Warn("shutdown error", zap.Error(err))
			}
		}()

		enc := json.NewEncoder(os.Stdout)
		var failed int

		if collectStream {
			results, err := comps.integrator.ProcessQuery(ctx, q)
			if err != nil {
				return eris.Wrap(err, "collect")
			}
			for r := range results {
				if !r.Success {
					failed++
				}
				_ = enc.Encode(toLine(r))
			}
		} else {
			all, err := comps.integrator.Run(ctx, q)
			if err != nil {
				return eris.Wrap(err, "collect")
			}
			lines := make([]resultLine, 0, len(all))
			for _, r := range all {
				if !r.Success {
					failed++
				}
				lines = append(lines, toLine(r))
			}
			enc.SetIndent("", "  ")
			if err := enc.Encode(struct {
				Results []resultLine       `json:"results"`
				Metrics integrator.Metrics `json:"metrics"`
			}{lines, comps.integrator.Metrics()}); err != nil {
				return err
			}
		}

		if failed > 0 {
			return errPartialFailure
		}
		return nil
	},
}

func countSet(vals ...string) int {
	n := 0
	for _, v := range vals {
		if v != "" {
			n++
		}
	}
	return n
}

func init() {
	collectCmd.Flags().StringVar(&collectZip, "zip", "", "5-digit zipcode to collect")
	collectCmd.Flags().StringVar(&collectAPN, "apn", "", "assessor parcel number")
	collectCmd.Flags().StringVar(&collectURL, "url", "", "MLS listing URL")
	collectCmd.Flags().IntVar(&collectLimit, "limit", 0, "max records (0 = no limit)")
	collectCmd.Flags().BoolVar(&collectStream, "stream", false, "emit NDJSON results as they complete")
	rootCmd.AddCommand(collectCmd)
}
