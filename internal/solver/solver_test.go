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
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeBuckets(t *testing.T, dir string, bits ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, b := range bits {
		path := filepath.Join(dir, "bucket_"+b+".csv")
		require.NoError(t, os.WriteFile(path, []byte("index,modulus_hex\n1,ab\n2,cd\n"), 0o644))
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test solver uses sh")
	}
}

func TestNewRunnerRequiresCommand(t *testing.T) {
	_, err := NewRunner(nil, zap.NewNop())
	assert.Error(t, err)
}

func TestSolveCollectsAndSortsFindings(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	writeBuckets(t, dir, "512", "1024")

	// The fake solver echoes one finding per invocation; the bucket path
	// arrives as $0 and is ignored.
	r, err := NewRunner([]string{"sh", "-c",
		`case "$0" in *bucket_512*) echo '[{"index_a":9,"index_b":12,"factor_hex":"0f"}]';; *) echo '[{"index_a":1,"index_b":4,"factor_hex":"ab"}]';; esac`,
	}, zap.NewNop())
	require.NoError(t, err)

	findings, err := r.Solve(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, Finding{IndexA: 1, IndexB: 4, FactorHex: "ab"}, findings[0])
	assert.Equal(t, Finding{IndexA: 9, IndexB: 12, FactorHex: "0f"}, findings[1])
}

func TestSolveFailsOnSolverError(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	writeBuckets(t, dir, "512")

	r, err := NewRunner([]string{"sh", "-c", "echo boom >&2; exit 3"}, zap.NewNop())
	require.NoError(t, err)

	_, err = r.Solve(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestSolveFailsOnBadOutput(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	writeBuckets(t, dir, "512")

	r, err := NewRunner([]string{"sh", "-c", "echo not-json"}, zap.NewNop())
	require.NoError(t, err)

	_, err = r.Solve(context.Background(), dir)
	assert.Error(t, err)
}

func TestSolveRequiresManifests(t *testing.T) {
	r, err := NewRunner([]string{"true"}, zap.NewNop())
	require.NoError(t, err)

	_, err = r.Solve(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestWriteReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vulnerable_keys.json")
	findings := []Finding{{IndexA: 1, IndexB: 2, FactorHex: "ff"}}
	require.NoError(t, WriteReport(path, findings))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got []Finding
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, findings, got)
}
