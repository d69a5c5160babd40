// Package solver hands the exported bucket manifests to an external
// shared-factor solver and parses its findings. The solver itself (batch
// GCD or similar) stays outside the process boundary.
package solver

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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/x-stp/ctkeys/internal/metrics"
)

// Finding is one factored key pair reported by the solver: two entries
// whose moduli share the prime factor_hex.
type Finding struct {
	IndexA    uint64 `json:"index_a"`
	IndexB    uint64 `json:"index_b"`
	FactorHex string `json:"factor_hex"`
}

// Runner invokes the configured solver command once per bucket manifest.
// The bucket path is appended as the final argument; the solver must print
// a JSON array of findings on stdout.
type Runner struct {
	command []string
	log     *zap.Logger
}

// NewRunner validates the command line and returns a runner.
func NewRunner(command []string, log *zap.Logger) (*Runner, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("solver_command is not configured")
	}
	return &Runner{command: command, log: log}, nil
}

// Solve runs the solver over every bucket manifest in bucketDir and returns
// the combined findings sorted by (IndexA, IndexB). A non-zero solver exit
// aborts the run with the solver's stderr in the error.
func (r *Runner) Solve(ctx context.Context, bucketDir string) ([]Finding, error) {
	manifests, err := filepath.Glob(filepath.Join(bucketDir, "bucket_*.csv"))
	if err != nil {
		return nil, err
	}
	if len(manifests) == 0 {
		return nil, fmt.Errorf("no bucket manifests under %q", bucketDir)
	}
	sort.Strings(manifests)

	var findings []Finding
	for _, manifest := range manifests {
		found, err := r.solveBucket(ctx, manifest)
		if err != nil {
			return nil, err
		}
		findings = append(findings, found...)
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].IndexA != findings[j].IndexA {
			return findings[i].IndexA < findings[j].IndexA
		}
		return findings[i].IndexB < findings[j].IndexB
	})

	if metrics.IsMetricsEnabled() {
		metrics.GetMetrics().SolverFindings.Add(float64(len(findings)))
	}
	return findings, nil
}

func (r *Runner) solveBucket(ctx context.Context, manifest string) ([]Finding, error) {
	args := append(append([]string(nil), r.command[1:]...), manifest)
	cmd := exec.CommandContext(ctx, r.command[0], args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.Info("running solver", zap.String("bucket", filepath.Base(manifest)))
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("solver on %q: %w (stderr: %s)", manifest, err, bytes.TrimSpace(stderr.Bytes()))
	}

	var findings []Finding
	if err := json.Unmarshal(stdout.Bytes(), &findings); err != nil {
		return nil, fmt.Errorf("solver on %q: parse findings: %w", manifest, err)
	}
	r.log.Info("solver finished",
		zap.String("bucket", filepath.Base(manifest)),
		zap.Int("findings", len(findings)))
	return findings, nil
}

// WriteReport persists findings as a JSON report next to the buckets.
func WriteReport(path string, findings []Finding) error {
	data, err := json.MarshalIndent(findings, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
