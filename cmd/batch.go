package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bananahana720/phx-property-collector/internal/collect"
	"github.com/bananahana720/phx-property-collector/internal/integrator"
)

var batchInput string

// parseBatchLine turns "zip:85031", "apn:101-23-456", or "url:https://…"
// into a query. Bare 5-digit lines are treated as zips.
func parseBatchLine(line string) (collect.Query, error) {
	line = strings.TrimSpace(line)
	kind, rest, found := strings.Cut(line, ":")
	if !found {
		if len(line) == 5 {
			return collect.Query{Zip: line}, nil
		}
		return collect.Query{}, eris.Errorf("unrecognized batch line %q", line)
	}
	switch kind {
	case "zip":
		return collect.Query{Zip: rest}, nil
	case "apn":
		return collect.Query{APN: rest}, nil
	case "url", "http", "https":
		if kind != "url" {
			rest = line // the colon belonged to the scheme
		}
		return collect.Query{URL: rest}, nil
	default:
		return collect.Query{}, eris.Errorf("unrecognized batch line %q", line)
	}
}

func readBatchFile(path string) ([]collect.Query, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open batch input")
	}
	defer f.Close()

	var queries []collect.Query
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		q, err := parseBatchLine(line)
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "read batch input")
	}
	return queries, nil
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Collect a file of property identifiers with adaptive batch sizing",
	RunE: func(cmd *cobra.Command, args []string) error {
		queries, err := readBatchFile(batchInput)
		if err != nil {
			return err
		}
		if len(queries) == 0 {
			return eris.New("batch input is empty")
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

		started := time.Now()
		results := comps.integrator.ProcessBatch(ctx, queries)

		var failed int
		lines := make([]resultLine, 0, len(results))
		for _, r := range results {
			if !r.Success {
				failed++
			}
			lines = append(lines, toLine(r))
		}

		zap.L().Info("batch finished",
			zap.Int("queries", len(queries)),
			zap.Int("records", len(results)),
			zap.Int("failed", failed),
			zap.Duration("duration", time.Since(started)))

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(struct {
			Results []resultLine       `json:"results"`
			Metrics integrator.Metrics `json:"metrics"`
		}{lines, comps.integrator.Metrics()}); err != nil {
			return err
		}

		if failed > 0 {
			return errPartialFailure
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchInput, "input", "", "file of identifiers, one per line (zip:…, apn:…, or a listing URL)")
	_ = batchCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(batchCmd)
}
