package harvest

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
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/x-stp/ctkeys/internal/checkpoint"
	"github.com/x-stp/ctkeys/internal/config"
	"github.com/x-stp/ctkeys/internal/ctlog"
	"github.com/x-stp/ctkeys/internal/shard"
	"github.com/x-stp/ctkeys/internal/util"
)

// fakeLog serves a synthetic RFC 6962 log where the entry payload for index
// i is the base64 of "leaf-i". statusFor, when set, can fail chosen indices.
type fakeLog struct {
	treeSize  uint64
	statusFor func(index uint64) int

	mu       sync.Mutex
	requests map[uint64]int
}

func leafFor(index uint64) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("leaf-%d", index)))
}

func (f *fakeLog) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ct/v1/get-sth", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"tree_size": %d}`, f.treeSize)
	})
	mux.HandleFunc("/ct/v1/get-entries", func(w http.ResponseWriter, r *http.Request) {
		start, err := strconv.ParseUint(r.URL.Query().Get("start"), 10, 64)
		if err != nil {
			http.Error(w, "bad start", http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		if f.requests == nil {
			f.requests = make(map[uint64]int)
		}
		f.requests[start]++
		f.mu.Unlock()

		if f.statusFor != nil {
			if status := f.statusFor(start); status != 0 {
				http.Error(w, "injected failure", status)
				return
			}
		}
		if start >= f.treeSize {
			http.Error(w, "past tree head", http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `{"entries": [{"leaf_input": %q, "extra_data": ""}]}`, leafFor(start))
	})
	return mux
}

func (f *fakeLog) requestCount(index uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[index]
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	return &config.Config{
		LogBaseURL:       baseURL,
		ShardSize:        10,
		Concurrency:      4,
		TargetCount:      25,
		RequestTimeout:   5 * time.Second,
		MaxRetryAttempts: 2,
		RateLimit:        0,
		ShardPolicy:      config.PolicyPlaceholder,
		DataDir:          t.TempDir(),
	}
}

func newTestHarvester(t *testing.T, cfg *config.Config, srv *httptest.Server) *Harvester {
	t.Helper()
	h, err := New(cfg, ctlog.New(cfg.LogBaseURL, srv.Client()), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

func TestHarvestShardPartitioning(t *testing.T) {
	fake := &fakeLog{treeSize: 100}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	h := newTestHarvester(t, cfg, srv)

	sum, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeTargetReached, sum.Outcome)
	assert.Equal(t, uint64(25), sum.NextIndex)
	assert.Equal(t, 3, sum.ShardsCommitted)
	assert.Equal(t, int64(25), sum.EntriesFetched)
	assert.Zero(t, sum.Placeholders)

	// Shards cover [0,10), [10,20), [20,25) with no gaps or overlap.
	shards, err := shard.Scan(cfg.ShardDir())
	require.NoError(t, err)
	require.Len(t, shards, 3)
	assert.Equal(t, uint64(0), shards[0].Start)
	assert.Equal(t, uint64(10), shards[0].End)
	assert.Equal(t, uint64(10), shards[1].Start)
	assert.Equal(t, uint64(20), shards[1].End)
	assert.Equal(t, uint64(20), shards[2].Start)
	assert.Equal(t, uint64(25), shards[2].End)

	records, err := shard.Read(shards[2])
	require.NoError(t, err)
	assert.Equal(t, leafFor(24), records[4].LeafInput)

	cp, err := checkpoint.NewStore(cfg.CheckpointPath()).Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(25), cp.NextIndex)
}

func TestHarvestResumeFromCheckpoint(t *testing.T) {
	fake := &fakeLog{treeSize: 100}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	logID := util.LogIdentifier(cfg.LogBaseURL)

	// Simulate a previous run that committed shard 0 and its checkpoint,
	// then died.
	w, err := shard.NewWriter(cfg.ShardDir())
	require.NoError(t, err)
	records := make([]shard.Record, 0, 10)
	for i := uint64(0); i < 10; i++ {
		records = append(records, shard.Record{Index: i, LeafInput: leafFor(i)})
	}
	_, err = w.WriteShard(0, 0, 10, records)
	require.NoError(t, err)
	require.NoError(t, checkpoint.NewStore(cfg.CheckpointPath()).Commit(
		checkpoint.Checkpoint{NextIndex: 10, TargetCount: 25, LogID: logID}))

	h := newTestHarvester(t, cfg, srv)
	sum, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeTargetReached, sum.Outcome)
	assert.Equal(t, uint64(25), sum.NextIndex)
	assert.Equal(t, 2, sum.ShardsCommitted)

	// The already covered range must not be refetched.
	for i := uint64(0); i < 10; i++ {
		assert.Zero(t, fake.requestCount(i), "index %d", i)
	}

	shards, err := shard.Scan(cfg.ShardDir())
	require.NoError(t, err)
	assert.Len(t, shards, 3)
}

func TestHarvestLogExhausted(t *testing.T) {
	fake := &fakeLog{treeSize: 15}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.TargetCount = 1000

	h := newTestHarvester(t, cfg, srv)
	sum, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeLogExhausted, sum.Outcome)
	assert.Equal(t, uint64(15), sum.NextIndex)
	assert.Equal(t, 2, sum.ShardsCommitted)

	shards, err := shard.Scan(cfg.ShardDir())
	require.NoError(t, err)
	require.Len(t, shards, 2)
	assert.Equal(t, uint64(15), shards[1].End)
}

func TestHarvestRecordsPlaceholders(t *testing.T) {
	// Index 5 permanently 404s; everything else succeeds.
	fake := &fakeLog{
		treeSize: 100,
		statusFor: func(index uint64) int {
			if index == 5 {
				return http.StatusNotFound
			}
			return 0
		},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.TargetCount = 10

	h := newTestHarvester(t, cfg, srv)
	sum, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Placeholders)
	assert.Equal(t, int64(9), sum.EntriesFetched)

	shards, err := shard.Scan(cfg.ShardDir())
	require.NoError(t, err)
	require.Len(t, shards, 1)
	records, err := shard.Read(shards[0])
	require.NoError(t, err)
	assert.True(t, records[5].Missing)
	assert.False(t, records[4].Missing)
}

func TestHarvestStrictAbortsOnPermanentFailure(t *testing.T) {
	// Index 3 permanently 404s. Refetching cannot resolve it, so a strict
	// run must abort instead of looping on the index.
	fake := &fakeLog{
		treeSize: 100,
		statusFor: func(index uint64) int {
			if index == 3 {
				return http.StatusNotFound
			}
			return 0
		},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.TargetCount = 10
	cfg.ShardPolicy = config.PolicyStrict

	h := newTestHarvester(t, cfg, srv)
	_, err := h.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStrictUnresolvable)

	// A permanent failure is requested exactly once, never hammered.
	assert.Equal(t, 1, fake.requestCount(3))

	// The incomplete range must not be committed.
	shards, scanErr := shard.Scan(cfg.ShardDir())
	require.NoError(t, scanErr)
	assert.Empty(t, shards)
	cp, cpErr := checkpoint.NewStore(cfg.CheckpointPath()).Load()
	require.NoError(t, cpErr)
	assert.Zero(t, cp.NextIndex)
}

func TestHarvestStrictResolvesTransientOutage(t *testing.T) {
	// Index 7 fails transiently for more attempts than one fetch budget
	// allows; refetch passes must eventually resolve it without recording
	// a placeholder.
	var mu sync.Mutex
	calls := 0
	fake := &fakeLog{treeSize: 100}
	fake.statusFor = func(index uint64) int {
		if index != 7 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 3 {
			return http.StatusServiceUnavailable
		}
		return 0
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.TargetCount = 10
	cfg.ShardPolicy = config.PolicyStrict

	h := newTestHarvester(t, cfg, srv)
	sum, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeTargetReached, sum.Outcome)
	assert.Equal(t, int64(10), sum.EntriesFetched)
	assert.Zero(t, sum.Placeholders)

	shards, err := shard.Scan(cfg.ShardDir())
	require.NoError(t, err)
	require.Len(t, shards, 1)
	records, err := shard.Read(shards[0])
	require.NoError(t, err)
	assert.False(t, records[7].Missing)
	assert.Equal(t, leafFor(7), records[7].LeafInput)
}

func TestHarvestAllFailuresIsUnreachable(t *testing.T) {
	fake := &fakeLog{
		treeSize:  100,
		statusFor: func(index uint64) int { return http.StatusServiceUnavailable },
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.TargetCount = 10
	cfg.MaxRetryAttempts = 1

	h := newTestHarvester(t, cfg, srv)
	_, err := h.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLogUnreachable)

	// Nothing committed, checkpoint untouched.
	shards, scanErr := shard.Scan(cfg.ShardDir())
	require.NoError(t, scanErr)
	assert.Empty(t, shards)
	cp, cpErr := checkpoint.NewStore(cfg.CheckpointPath()).Load()
	require.NoError(t, cpErr)
	assert.Zero(t, cp.NextIndex)
}

func TestHarvestRejectsForeignCheckpoint(t *testing.T) {
	fake := &fakeLog{treeSize: 100}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	require.NoError(t, checkpoint.NewStore(cfg.CheckpointPath()).Commit(
		checkpoint.Checkpoint{NextIndex: 10, TargetCount: 25, LogID: "some_other_log"}))

	h := newTestHarvester(t, cfg, srv)
	_, err := h.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCheckpointMismatch)
}

func TestHarvestDiscardsStaleTempFiles(t *testing.T) {
	fake := &fakeLog{treeSize: 100}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.TargetCount = 10

	require.NoError(t, os.MkdirAll(cfg.ShardDir(), 0o755))
	stale := filepath.Join(cfg.ShardDir(), shard.Filename(3, 30, 40)+".tmp")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o644))

	h := newTestHarvester(t, cfg, srv)
	_, err := h.Run(context.Background())
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestHarvestStopsAtShardBoundaryOnCancel(t *testing.T) {
	fake := &fakeLog{treeSize: 100}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := newTestHarvester(t, cfg, srv)
	_, err := h.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// No partial shard may exist after a cancelled run.
	shards, scanErr := shard.Scan(cfg.ShardDir())
	require.NoError(t, scanErr)
	assert.Empty(t, shards)
}
