// Package harvest drives the fetch stage: it walks the log in shard-sized
// ranges from the checkpoint towards the target, committing each shard
// before advancing the checkpoint past it.
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
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/x-stp/ctkeys/internal/checkpoint"
	"github.com/x-stp/ctkeys/internal/config"
	"github.com/x-stp/ctkeys/internal/ctlog"
	"github.com/x-stp/ctkeys/internal/metrics"
	"github.com/x-stp/ctkeys/internal/shard"
	"github.com/x-stp/ctkeys/internal/util"
)

// ErrLogUnreachable means an entire shard range produced nothing but
// placeholders, which signals an outage rather than scattered failures.
// Continuing would burn the index range for no data.
var ErrLogUnreachable = errors.New("log unreachable: shard yielded no entries")

// ErrCheckpointMismatch means the checkpoint on disk tracks a different log
// than the one configured. Mixing indices across logs corrupts the dataset.
var ErrCheckpointMismatch = errors.New("checkpoint belongs to a different log")

// ErrStrictUnresolvable means the strict policy hit an index whose failure
// is permanent. No number of refetch passes can resolve it, so the run
// aborts instead of spinning on the index.
var ErrStrictUnresolvable = errors.New("strict policy: index failed permanently")

// Run outcomes.
const (
	OutcomeTargetReached = "target_reached"
	OutcomeLogExhausted  = "log_exhausted"
	OutcomeInterrupted   = "interrupted"
)

// Summary reports what a harvest run accomplished.
type Summary struct {
	Outcome         string
	StartIndex      uint64
	NextIndex       uint64
	TreeSize        uint64
	ShardsCommitted int
	EntriesFetched  int64
	Placeholders    int64
	Retries         int64
	Elapsed         time.Duration
}

// Harvester owns one harvest run against a single log.
type Harvester struct {
	cfg     *config.Config
	client  *ctlog.Client
	fetcher *Fetcher
	store   *checkpoint.Store
	writer  *shard.Writer
	log     *zap.Logger
}

// New wires a harvester from configuration. The fetcher's worker pool is
// started immediately; Close must be called when the harvester is done.
func New(cfg *config.Config, client *ctlog.Client, log *zap.Logger) (*Harvester, error) {
	writer, err := shard.NewWriter(cfg.ShardDir())
	if err != nil {
		return nil, err
	}
	return &Harvester{
		cfg:     cfg,
		client:  client,
		fetcher: NewFetcher(client, cfg.Concurrency, cfg.MaxRetryAttempts, cfg.RateLimit, log),
		store:   checkpoint.NewStore(cfg.CheckpointPath()),
		writer:  writer,
		log:     log,
	}, nil
}

// Close stops the worker pool.
func (h *Harvester) Close() {
	h.fetcher.Close()
}

// Run executes the harvest loop until the target is reached, the log is
// exhausted, or ctx is cancelled. Cancellation between shards is clean: the
// checkpoint already covers every committed shard, so the error return just
// means "resume later".
func (h *Harvester) Run(ctx context.Context) (*Summary, error) {
	started := time.Now()
	logID := util.LogIdentifier(h.cfg.LogBaseURL)

	cp, err := h.store.Load()
	if err != nil {
		return nil, err
	}
	if cp.LogID != "" && cp.LogID != logID {
		return nil, fmt.Errorf("%w: checkpoint has %q, config has %q", ErrCheckpointMismatch, cp.LogID, logID)
	}

	removed, err := shard.DiscardTemp(h.writer.Dir())
	if err != nil {
		return nil, err
	}
	if removed > 0 {
		h.log.Info("discarded temporary shard files from interrupted run", zap.Int("count", removed))
	}

	sthStart := time.Now()
	treeSize, err := h.client.TreeSize(ctx)
	if metrics.IsMetricsEnabled() {
		metrics.GetMetrics().FetchDuration.WithLabelValues("get-sth").Observe(time.Since(sthStart).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("fetch tree size: %w", err)
	}

	target := h.cfg.TargetCount
	if cp.TargetCount != 0 {
		target = cp.TargetCount
	}

	h.log.Info("starting harvest",
		zap.String("log", h.cfg.LogBaseURL),
		zap.Uint64("next_index", cp.NextIndex),
		zap.Uint64("target", target),
		zap.Uint64("tree_size", treeSize))

	sum := &Summary{StartIndex: cp.NextIndex, TreeSize: treeSize}

	for {
		if err := ctx.Err(); err != nil {
			sum.Outcome = OutcomeInterrupted
			sum.finish(h.fetcher, cp.NextIndex, started)
			return sum, err
		}
		if cp.NextIndex >= target {
			sum.Outcome = OutcomeTargetReached
			break
		}
		if cp.NextIndex >= treeSize {
			// The log holds fewer entries than the target. Report it
			// explicitly instead of spinning on ranges past the tree head.
			sum.Outcome = OutcomeLogExhausted
			break
		}

		start := cp.NextIndex
		end := min64(start+h.cfg.ShardSize, min64(target, treeSize))
		shardID := start / h.cfg.ShardSize

		placeholders, err := h.harvestShard(ctx, shardID, start, end)
		if err != nil {
			sum.finish(h.fetcher, cp.NextIndex, started)
			return sum, err
		}
		sum.ShardsCommitted++
		sum.Placeholders += placeholders

		cp = checkpoint.Checkpoint{NextIndex: end, TargetCount: target, LogID: logID}
		if err := h.store.Commit(cp); err != nil {
			sum.finish(h.fetcher, cp.NextIndex, started)
			return sum, err
		}
		if metrics.IsMetricsEnabled() {
			metrics.GetMetrics().CheckpointCommitsTotal.Inc()
		}

		h.log.Info("shard committed",
			zap.Uint64("shard", shardID),
			zap.Uint64("start", start),
			zap.Uint64("end", end),
			zap.Int64("placeholders", placeholders))
	}

	sum.finish(h.fetcher, cp.NextIndex, started)
	h.log.Info("harvest finished",
		zap.String("outcome", sum.Outcome),
		zap.Uint64("next_index", sum.NextIndex),
		zap.Int("shards", sum.ShardsCommitted),
		zap.Int64("entries", sum.EntriesFetched),
		zap.Int64("placeholders", sum.Placeholders),
		zap.Duration("elapsed", sum.Elapsed))
	return sum, nil
}

// harvestShard fetches [start, end) and commits it as one shard. Under the
// placeholder policy, failed indices become explicit missing records; under
// the strict policy transient failures are refetched until every index
// resolves, and a permanent failure aborts the run. Returns the number of
// placeholder records written.
func (h *Harvester) harvestShard(ctx context.Context, shardID, start, end uint64) (int64, error) {
	results, err := h.fetcher.FetchRange(ctx, start, end)
	if err != nil {
		return 0, err
	}

	if h.cfg.ShardPolicy == config.PolicyStrict {
		results, err = h.refetchFailed(ctx, results)
		if err != nil {
			return 0, err
		}
	}

	records := make([]shard.Record, 0, len(results))
	var placeholders int64
	for _, res := range results {
		if res.Err != nil {
			h.log.Warn("recording placeholder",
				zap.Uint64("index", res.Index),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Err))
			records = append(records, shard.Record{Index: res.Index, Missing: true})
			placeholders++
			continue
		}
		records = append(records, shard.Record{
			Index:     res.Entry.Index,
			LeafInput: res.Entry.LeafInput,
			ExtraData: res.Entry.ExtraData,
		})
	}

	if placeholders == int64(len(results)) && len(results) > 0 {
		return 0, fmt.Errorf("%w: shard %d [%d, %d)", ErrLogUnreachable, shardID, start, end)
	}

	commitStart := time.Now()
	if _, err := h.writer.WriteShard(shardID, start, end, records); err != nil {
		return 0, err
	}
	if metrics.IsMetricsEnabled() {
		m := metrics.GetMetrics()
		m.ShardsCommittedTotal.Inc()
		m.ShardWriteDuration.Observe(time.Since(commitStart).Seconds())
		m.PlaceholdersTotal.Add(float64(placeholders))
	}
	return placeholders, nil
}

// refetchFailed retries transiently failed indices until all resolve or ctx
// ends, sleeping with backoff between passes. Each pass goes back through
// the full retry budget; progress between passes is expected because strict
// mode only makes sense against flaky outages. An index whose final error
// is permanent ends the run with ErrStrictUnresolvable: refetching a 404
// forever would hammer the log and never terminate.
func (h *Harvester) refetchFailed(ctx context.Context, results []FetchResult) ([]FetchResult, error) {
	for pass := 1; ; pass++ {
		var failed []uint64
		for _, res := range results {
			if res.Err == nil {
				continue
			}
			if !ctlog.Transient(res.Err) {
				return results, fmt.Errorf("%w: index %d: %v", ErrStrictUnresolvable, res.Index, res.Err)
			}
			failed = append(failed, res.Index)
		}
		if len(failed) == 0 {
			return results, nil
		}
		h.log.Warn("strict policy refetching failed indices",
			zap.Int("count", len(failed)),
			zap.Int("pass", pass))
		if !sleepCtx(ctx, backoff(pass)) {
			return results, ctx.Err()
		}

		byIndex := make(map[uint64]int, len(results))
		for i, res := range results {
			byIndex[res.Index] = i
		}
		for _, idx := range failed {
			if err := ctx.Err(); err != nil {
				return results, err
			}
			retried, err := h.fetcher.FetchRange(ctx, idx, idx+1)
			if err != nil {
				return results, err
			}
			results[byIndex[idx]] = retried[0]
		}
	}
}

func (s *Summary) finish(f *Fetcher, next uint64, started time.Time) {
	s.NextIndex = next
	s.EntriesFetched = f.Fetched()
	s.Retries = f.Retries()
	s.Elapsed = time.Since(started)
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
