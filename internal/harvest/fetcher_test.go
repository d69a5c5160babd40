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
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/x-stp/ctkeys/internal/ctlog"
	"github.com/x-stp/ctkeys/internal/metrics"
)

func TestFetchRangeReturnsAllIndices(t *testing.T) {
	fake := &fakeLog{treeSize: 100}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	f := NewFetcher(ctlog.New(srv.URL, srv.Client()), 4, 2, 0, zap.NewNop())
	defer f.Close()

	results, err := f.FetchRange(context.Background(), 10, 30)
	require.NoError(t, err)
	require.Len(t, results, 20)

	indices := make([]uint64, 0, len(results))
	for _, res := range results {
		require.NoError(t, res.Err)
		require.NotNil(t, res.Entry)
		assert.Equal(t, leafFor(res.Index), res.Entry.LeafInput)
		indices = append(indices, res.Index)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	for i, idx := range indices {
		assert.Equal(t, uint64(10+i), idx)
	}
	assert.Equal(t, int64(20), f.Fetched())
}

func TestFetchRetriesTransientFailure(t *testing.T) {
	var mu sync.Mutex
	attempts := make(map[string]int)

	mux := http.NewServeMux()
	mux.HandleFunc("/ct/v1/get-entries", func(w http.ResponseWriter, r *http.Request) {
		start := r.URL.Query().Get("start")
		mu.Lock()
		attempts[start]++
		n := attempts[start]
		mu.Unlock()
		// First attempt fails transiently, second succeeds.
		if n == 1 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"entries": [{"leaf_input": "bGVhZg==", "extra_data": ""}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := NewFetcher(ctlog.New(srv.URL, srv.Client()), 1, 3, 0, zap.NewNop())
	defer f.Close()

	results, err := f.FetchRange(context.Background(), 0, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 2, results[0].Attempts)
	assert.Equal(t, int64(1), f.Retries())
}

func TestFetchDoesNotRetryPermanentFailure(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/ct/v1/get-entries", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "gone", http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := NewFetcher(ctlog.New(srv.URL, srv.Client()), 1, 5, 0, zap.NewNop())
	defer f.Close()

	results, err := f.FetchRange(context.Background(), 0, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Equal(t, 1, results[0].Attempts)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "a 404 must not be retried")
	assert.Equal(t, int64(1), f.Failures())
}

func TestFetchExhaustsRetryBudget(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ct/v1/get-entries", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := NewFetcher(ctlog.New(srv.URL, srv.Client()), 1, 1, 0, zap.NewNop())
	defer f.Close()

	results, err := f.FetchRange(context.Background(), 0, 1)
	require.NoError(t, err)
	require.Error(t, results[0].Err)

	var he *ctlog.HTTPError
	require.ErrorAs(t, results[0].Err, &he)
	assert.Equal(t, http.StatusServiceUnavailable, he.StatusCode)
}

func TestBackoffGrowsAndStaysBounded(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, maxBackoff+maxBackoff/2)
	}
}

func TestBackoffLargeAttemptStaysBounded(t *testing.T) {
	// Attempt counts past the shift width must not overflow into a
	// negative duration.
	for _, attempt := range []int{35, 64, 1000} {
		d := backoff(attempt)
		assert.Greater(t, d, time.Duration(0), "attempt %d", attempt)
		assert.LessOrEqual(t, d, maxBackoff+maxBackoff/2, "attempt %d", attempt)
	}
}

func TestFetchObservesTimingMetrics(t *testing.T) {
	metrics.EnableMetrics()
	fake := &fakeLog{treeSize: 100}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	f := NewFetcher(ctlog.New(srv.URL, srv.Client()), 2, 2, 500, zap.NewNop())
	defer f.Close()

	_, err := f.FetchRange(context.Background(), 0, 4)
	require.NoError(t, err)

	m := metrics.GetMetrics()
	assert.NotZero(t, testutil.CollectAndCount(m.FetchDuration, "ctkeys_fetch_duration_seconds"))
	assert.NotZero(t, testutil.CollectAndCount(m.RateLimitDelay, "ctkeys_rate_limit_delay_seconds"))
}
