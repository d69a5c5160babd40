/*
Package main is the entry point for the ctkeys command-line application.

ctkeys harvests RSA public keys from a Certificate Transparency log for
weak-key analysis. The pipeline has three stages, each behind its own
subcommand:
  - `harvest`: download raw log entries into durable shard files, resumable
    through a crash-consistent checkpoint.
  - `decode`: parse harvested entries, keep RSA keys, export the analysis
    dataset and the per-key-size bucket manifests.
  - `solve`: run the configured external shared-factor solver over the
    bucket manifests and collect its findings.

A fourth subcommand, `status`, reports checkpoint position, shard coverage
and export state without touching anything.

Configuration comes from an optional YAML file, CTKEYS_* environment
variables, and flags, in increasing priority. Graceful shutdown is handled
via context cancellation triggered by OS signals (SIGINT, SIGTERM); the
harvest stage stops at the next shard boundary and can be resumed later.
*/
package main

/*
ctkeys — Certificate Transparency RSA key harvesting pipeline
Copyright (C) 2026  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/x-stp/ctkeys/internal/checkpoint"
	"github.com/x-stp/ctkeys/internal/client"
	"github.com/x-stp/ctkeys/internal/config"
	"github.com/x-stp/ctkeys/internal/ctlog"
	"github.com/x-stp/ctkeys/internal/dataset"
	"github.com/x-stp/ctkeys/internal/harvest"
	"github.com/x-stp/ctkeys/internal/logging"
	"github.com/x-stp/ctkeys/internal/metrics"
	"github.com/x-stp/ctkeys/internal/shard"
	"github.com/x-stp/ctkeys/internal/solver"
)

// Global flags (persistent across commands)
var (
	configPath string
	debug      bool
)

var (
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ctkeys",
	Short: "ctkeys - harvest RSA keys from a Certificate Transparency log for weak-key analysis",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if debug {
			cfg.LogLevel = "debug"
			cfg.Development = true
		}
		logger, err = logging.New(cfg.LogLevel, cfg.Development)
		if err != nil {
			return err
		}
		if cfg.MetricsAddr != "" {
			metrics.EnableMetrics()
			if err := metrics.StartMetricsServer(cfg.MetricsAddr); err != nil {
				logger.Warn("failed to start metrics server", zap.Error(err))
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Download raw log entries into durable shards, resuming from the checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHarvest(cmd.Context())
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Decode harvested shards, export the RSA dataset and solver buckets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecode(cmd.Context())
	},
}

var solveCmd = &cobra.Command{
	Use:   "solve",
	Short: "Run the external shared-factor solver over the exported buckets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSolve(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report checkpoint position, shard coverage and export state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (console encoder)")

	rootCmd.AddCommand(harvestCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(solveCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runHarvest(ctx context.Context) error {
	httpClient := client.New(&client.Config{RequestTimeout: cfg.RequestTimeout})
	logClient := ctlog.New(cfg.LogBaseURL, httpClient)

	h, err := harvest.New(cfg, logClient, logger)
	if err != nil {
		return err
	}
	defer h.Close()

	sum, err := h.Run(ctx)
	if sum != nil {
		displayHarvestSummary(sum)
	}
	if errors.Is(err, context.Canceled) {
		logger.Info("harvest interrupted, resume with the same command")
		return nil
	}
	return err
}

func runDecode(ctx context.Context) error {
	catalog, err := dataset.OpenCatalog(cfg.CatalogPath())
	if err != nil {
		return err
	}
	defer catalog.Close()

	builder := dataset.NewBuilder(cfg.ShardDir(), cfg.DatasetDir(), cfg.BucketDir(), catalog, cfg.Concurrency, logger)
	sum, err := builder.Build(ctx)
	if err != nil {
		return err
	}
	displayBuildSummary(sum)
	return nil
}

func runSolve(ctx context.Context) error {
	runner, err := solver.NewRunner(cfg.SolverCommand, logger)
	if err != nil {
		return err
	}
	findings, err := runner.Solve(ctx, cfg.BucketDir())
	if err != nil {
		return err
	}

	reportPath := filepath.Join(cfg.DataDir, "vulnerable_keys.json")
	if err := solver.WriteReport(reportPath, findings); err != nil {
		return err
	}

	fmt.Printf("\n--- Solver Results ---\n")
	fmt.Printf("  Factored pairs: %d\n", len(findings))
	for _, f := range findings {
		fmt.Printf("    entries %d and %d share a factor\n", f.IndexA, f.IndexB)
	}
	fmt.Printf("  Report: %s\n", reportPath)
	fmt.Printf("----------------------\n")
	return nil
}

func runStatus(ctx context.Context) error {
	cp, err := checkpoint.NewStore(cfg.CheckpointPath()).Load()
	if err != nil {
		return err
	}

	shards, err := shardCoverage()
	if err != nil {
		return err
	}

	fmt.Printf("--- ctkeys Status ---\n")
	fmt.Printf("  Log:          %s\n", cfg.LogBaseURL)
	fmt.Printf("  Checkpoint:   next_index=%d target=%d\n", cp.NextIndex, cp.TargetCount)
	fmt.Printf("  Shards:       %s\n", shards)

	if _, err := os.Stat(cfg.CatalogPath()); err == nil {
		catalog, err := dataset.OpenCatalog(cfg.CatalogPath())
		if err != nil {
			return err
		}
		defer catalog.Close()
		parts, err := catalog.Partitions(ctx)
		if err != nil {
			return err
		}
		records := 0
		for _, p := range parts {
			records += p.RecordCount
		}
		fmt.Printf("  Partitions:   %d (%d records exported)\n", len(parts), records)
	} else {
		fmt.Printf("  Partitions:   none (decode stage not run)\n")
	}
	fmt.Printf("---------------------\n")
	return nil
}

func shardCoverage() (string, error) {
	shards, err := shard.Scan(cfg.ShardDir())
	if err != nil {
		return "", err
	}
	if len(shards) == 0 {
		return "none", nil
	}

	// Collapse contiguous shard ranges for a compact coverage report.
	type span struct{ start, end uint64 }
	var spans []span
	for _, sh := range shards {
		if len(spans) > 0 && spans[len(spans)-1].end == sh.Start {
			spans[len(spans)-1].end = sh.End
			continue
		}
		spans = append(spans, span{start: sh.Start, end: sh.End})
	}

	out := fmt.Sprintf("%d committed, covering", len(shards))
	for _, s := range spans {
		out += fmt.Sprintf(" [%d,%d)", s.start, s.end)
	}
	return out, nil
}

func displayHarvestSummary(sum *harvest.Summary) {
	fmt.Println()
	fmt.Printf("\n--- Final Harvest Statistics ---\n")
	fmt.Printf("  Processing Time: %v\n", sum.Elapsed.Round(time.Millisecond))
	fmt.Printf("          Outcome: %s\n", sum.Outcome)
	fmt.Printf("      Index Range: [%d, %d)\n", sum.StartIndex, sum.NextIndex)
	fmt.Printf("        Tree Size: %d\n", sum.TreeSize)
	fmt.Printf(" Shards Committed: %d\n", sum.ShardsCommitted)
	fmt.Printf("  Entries Fetched: %d\n", sum.EntriesFetched)
	fmt.Printf("     Placeholders: %d\n", sum.Placeholders)
	fmt.Printf("    Total Retries: %d\n", sum.Retries)
	if sum.Elapsed.Seconds() > 0 {
		fmt.Printf("     Overall Rate: %.0f entries/sec\n", float64(sum.EntriesFetched)/sum.Elapsed.Seconds())
	}
	fmt.Printf("--------------------------------\n")
}

func displayBuildSummary(sum *dataset.BuildSummary) {
	fmt.Println()
	fmt.Printf("\n--- Final Decode Statistics ---\n")
	fmt.Printf("  Processing Time: %v\n", sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))
	fmt.Printf("     Shards Found: %d (%d unchanged, skipped)\n", sum.ShardsSeen, sum.ShardsSkipped)
	fmt.Printf("    RSA Keys Kept: %d\n", sum.RecordsExported)
	fmt.Printf("  Skipped Entries: %d malformed, %d non-RSA, %d missing\n",
		sum.SkipsMalformed, sum.SkipsNonRSA, sum.SkipsMissing)
	fmt.Printf(" Duplicate Groups: %d\n", sum.DuplicateGroups)

	var sizes []int
	for bits := range sum.KeySizes {
		sizes = append(sizes, bits)
	}
	sort.Ints(sizes)
	fmt.Printf("    Key Size Distribution:\n")
	for _, bits := range sizes {
		fmt.Printf("      %5d bits: %d\n", bits, sum.KeySizes[bits])
	}
	fmt.Printf("    Bucket Manifests: %d\n", len(sum.BucketFiles))
	fmt.Printf("-------------------------------\n")
}
