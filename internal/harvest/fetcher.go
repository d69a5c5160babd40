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
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/x-stp/ctkeys/internal/ctlog"
	"github.com/x-stp/ctkeys/internal/metrics"
)

const (
	baseBackoff = 500 * time.Millisecond
	maxBackoff  = 30 * time.Second

	// baseBackoff << maxBackoffShift already exceeds maxBackoff; shifting
	// further can only overflow.
	maxBackoffShift = 6
)

// FetchResult is the outcome of fetching one index. Err is nil on success;
// otherwise it holds the final error after Attempts tries.
type FetchResult struct {
	Index    uint64
	Entry    *ctlog.Entry
	Err      error
	Attempts int
}

type fetchJob struct {
	ctx     context.Context
	index   uint64
	results chan<- FetchResult
}

// Fetcher runs a fixed pool of workers that pull individual indices from a
// shared job channel. The pool persists across shards; only the result
// channel changes per range, so worker startup cost is paid once per run.
type Fetcher struct {
	client      *ctlog.Client
	limiter     *rate.Limiter
	maxAttempts int
	log         *zap.Logger

	jobs      chan fetchJob
	wg        sync.WaitGroup
	closeOnce sync.Once

	retries  atomic.Int64
	failures atomic.Int64
	fetched  atomic.Int64
}

// NewFetcher starts workers goroutines consuming from the shared job
// channel. ratePerSec bounds the aggregate request rate across all workers;
// zero or negative disables limiting.
func NewFetcher(client *ctlog.Client, workers, maxAttempts int, ratePerSec float64, log *zap.Logger) *Fetcher {
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), workers)
	}

	f := &Fetcher{
		client:      client,
		limiter:     limiter,
		maxAttempts: maxAttempts,
		log:         log,
		jobs:        make(chan fetchJob, workers*2),
	}

	for i := 0; i < workers; i++ {
		f.wg.Add(1)
		go f.worker(i)
	}
	return f
}

// Retries returns the total number of retried attempts so far.
func (f *Fetcher) Retries() int64 { return f.retries.Load() }

// Failures returns the number of indices that exhausted their retry budget.
func (f *Fetcher) Failures() int64 { return f.failures.Load() }

// Fetched returns the number of successfully fetched entries.
func (f *Fetcher) Fetched() int64 { return f.fetched.Load() }

// FetchRange fetches every index in [start, end) and returns exactly
// end-start results in completion order. Results for failed indices carry
// their final error; the caller decides placeholder vs strict handling.
// Submission stops early when ctx is cancelled; results for already
// submitted indices still drain, and the short slice is returned with
// ctx.Err().
func (f *Fetcher) FetchRange(ctx context.Context, start, end uint64) ([]FetchResult, error) {
	n := int(end - start)
	results := make(chan FetchResult, n)

	submitted := 0
	var submitErr error
submit:
	for idx := start; idx < end; idx++ {
		select {
		case f.jobs <- fetchJob{ctx: ctx, index: idx, results: results}:
			submitted++
		case <-ctx.Done():
			submitErr = ctx.Err()
			break submit
		}
	}

	out := make([]FetchResult, 0, submitted)
	for i := 0; i < submitted; i++ {
		out = append(out, <-results)
	}
	return out, submitErr
}

// Close stops the worker pool after in-flight jobs finish.
func (f *Fetcher) Close() {
	f.closeOnce.Do(func() {
		close(f.jobs)
	})
	f.wg.Wait()
}

func (f *Fetcher) worker(id int) {
	defer f.wg.Done()
	setAffinity(id, id%runtime.NumCPU())
	for job := range f.jobs {
		res := f.fetchOne(job.ctx, id, job.index)
		if res.Err != nil {
			f.failures.Add(1)
		} else {
			f.fetched.Add(1)
		}
		job.results <- res
	}
}

// fetchOne attempts one index up to maxAttempts times with exponential
// backoff and jitter. Only transient errors are retried; a permanent error
// or context cancellation ends the attempt loop immediately.
func (f *Fetcher) fetchOne(ctx context.Context, workerID int, index uint64) FetchResult {
	m := metrics.GetMetrics()
	var lastErr error

	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if f.limiter != nil {
			waitStart := time.Now()
			if err := f.limiter.Wait(ctx); err != nil {
				return FetchResult{Index: index, Err: err, Attempts: attempt}
			}
			if metrics.IsMetricsEnabled() {
				m.RateLimitDelay.WithLabelValues(strconv.Itoa(workerID)).Observe(time.Since(waitStart).Seconds())
			}
		}

		reqStart := time.Now()
		entry, err := f.client.GetEntry(ctx, index)
		if metrics.IsMetricsEnabled() {
			m.FetchDuration.WithLabelValues("get-entries").Observe(time.Since(reqStart).Seconds())
		}
		if err == nil {
			if metrics.IsMetricsEnabled() {
				m.FetchRequestsTotal.WithLabelValues("ok").Inc()
				m.EntriesFetchedTotal.Inc()
			}
			return FetchResult{Index: index, Entry: entry, Attempts: attempt}
		}
		lastErr = err

		if metrics.IsMetricsEnabled() {
			m.FetchRequestsTotal.WithLabelValues("error").Inc()
		}
		if !ctlog.Transient(err) {
			if metrics.IsMetricsEnabled() {
				m.FetchFailuresTotal.WithLabelValues("permanent").Inc()
			}
			return FetchResult{Index: index, Err: err, Attempts: attempt}
		}
		if attempt == f.maxAttempts {
			break
		}

		f.retries.Add(1)
		if metrics.IsMetricsEnabled() {
			m.FetchRetriesTotal.WithLabelValues("transient").Inc()
		}
		f.log.Debug("retrying fetch",
			zap.Uint64("index", index),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if !sleepCtx(ctx, backoff(attempt)) {
			return FetchResult{Index: index, Err: ctx.Err(), Attempts: attempt}
		}
	}

	if metrics.IsMetricsEnabled() {
		m.FetchFailuresTotal.WithLabelValues("transient").Inc()
	}
	return FetchResult{Index: index, Err: lastErr, Attempts: f.maxAttempts}
}

// backoff returns the delay before the given retry with full jitter. The
// shift is capped before it happens so a large attempt count cannot
// overflow the duration.
func backoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	d := baseBackoff << uint(shift)
	if d > maxBackoff {
		d = maxBackoff
	}
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
