// Package dataset turns committed shards into the analysis dataset: one
// gzip CSV partition per shard, a sqlite catalog for idempotent re-export,
// and per-key-size bucket manifests for the solver.
package dataset

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
	"compress/gzip"
	"context"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/x-stp/ctkeys/internal/decode"
	"github.com/x-stp/ctkeys/internal/keyindex"
	"github.com/x-stp/ctkeys/internal/metrics"
	"github.com/x-stp/ctkeys/internal/shard"
)

// partitionHeader is the canonical CSV schema. Column order is part of the
// dataset contract; downstream tooling indexes by position.
var partitionHeader = []string{
	"index",
	"key_size_bits",
	"public_exponent",
	"modulus_hex",
	"modulus_fingerprint_hex",
	"subject",
	"issuer",
	"not_before",
	"not_after",
	"source_shard_id",
}

// BuildSummary reports one decode/export run.
type BuildSummary struct {
	StartedAt       time.Time
	FinishedAt      time.Time
	ShardsSeen      int
	ShardsSkipped   int
	RecordsExported int
	SkipsMalformed  int
	SkipsNonRSA     int
	SkipsMissing    int
	DuplicateGroups int
	KeySizes        map[int]int
	BucketFiles     []string
}

// Builder runs the decode/export stage over a shard directory.
type Builder struct {
	shardDir   string
	datasetDir string
	bucketDir  string
	catalog    *Catalog
	workers    int
	log        *zap.Logger
}

// NewBuilder wires an export builder. workers bounds the per-shard
// parallelism of the decode pass.
func NewBuilder(shardDir, datasetDir, bucketDir string, catalog *Catalog, workers int, log *zap.Logger) *Builder {
	if workers <= 0 {
		workers = 1
	}
	return &Builder{
		shardDir:   shardDir,
		datasetDir: datasetDir,
		bucketDir:  bucketDir,
		catalog:    catalog,
		workers:    workers,
		log:        log,
	}
}

// Build decodes every committed shard, exports one partition per shard, and
// writes the key-size bucket manifests. Shards whose partition is already
// cataloged with identical content are skipped without rewriting anything.
func (b *Builder) Build(ctx context.Context) (*BuildSummary, error) {
	sum := &BuildSummary{StartedAt: time.Now()}

	shards, err := shard.Scan(b.shardDir)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("no committed shards under %q", b.shardDir)
	}
	sum.ShardsSeen = len(shards)

	if err := os.MkdirAll(b.datasetDir, 0o755); err != nil {
		return nil, fmt.Errorf("create dataset dir: %w", err)
	}

	var mu sync.Mutex
	var allRecords []*decode.KeyRecord

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for _, sh := range shards {
		sh := sh
		g.Go(func() error {
			records, skips, err := b.decodeShard(sh)
			if err != nil {
				return err
			}
			skipped, err := b.exportPartition(gctx, sh, records)
			if err != nil {
				return err
			}
			mu.Lock()
			allRecords = append(allRecords, records...)
			sum.SkipsMalformed += skips[decode.ReasonMalformed]
			sum.SkipsNonRSA += skips[decode.ReasonUnsupportedAlgorithm]
			sum.SkipsMissing += skips[decode.ReasonMissing]
			sum.RecordsExported += len(records)
			if skipped {
				sum.ShardsSkipped++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	idx := keyindex.Index(allRecords)
	sum.DuplicateGroups = len(idx.DuplicateGroups)
	sum.KeySizes = idx.KeySizeDistribution()

	bucketFiles, err := b.writeBuckets(idx, allRecords)
	if err != nil {
		return nil, err
	}
	sum.BucketFiles = bucketFiles

	if metrics.IsMetricsEnabled() {
		m := metrics.GetMetrics()
		m.RecordsExportedTotal.Add(float64(sum.RecordsExported))
		m.DuplicateGroups.Set(float64(sum.DuplicateGroups))
	}

	sum.FinishedAt = time.Now()
	if err := b.catalog.RecordRun(ctx, sum); err != nil {
		return nil, err
	}

	b.log.Info("dataset build finished",
		zap.Int("shards", sum.ShardsSeen),
		zap.Int("shards_skipped", sum.ShardsSkipped),
		zap.Int("records", sum.RecordsExported),
		zap.Int("skips_malformed", sum.SkipsMalformed),
		zap.Int("skips_non_rsa", sum.SkipsNonRSA),
		zap.Int("skips_missing", sum.SkipsMissing),
		zap.Int("duplicate_groups", sum.DuplicateGroups))
	return sum, nil
}

// decodeShard reads one shard and decodes every record, counting skips by
// reason. Decode failures never abort the shard; they are data, not errors.
func (b *Builder) decodeShard(sh shard.Shard) ([]*decode.KeyRecord, map[string]int, error) {
	raw, err := shard.Read(sh)
	if err != nil {
		return nil, nil, err
	}

	skips := make(map[string]int)
	records := make([]*decode.KeyRecord, 0, len(raw))
	for _, rec := range raw {
		kr, err := decode.DecodeEntry(rec, sh.ID)
		if err != nil {
			var de *decode.DecodeError
			if errors.As(err, &de) {
				skips[de.Reason]++
				if metrics.IsMetricsEnabled() {
					metrics.GetMetrics().DecodeSkipsTotal.WithLabelValues(de.Reason).Inc()
				}
				continue
			}
			return nil, nil, err
		}
		records = append(records, kr)
	}
	return records, skips, nil
}

// exportPartition writes the partition for one shard, skipping the write
// when the catalog already holds a partition with the same content checksum.
// Returns whether the export was skipped.
func (b *Builder) exportPartition(ctx context.Context, sh shard.Shard, records []*decode.KeyRecord) (bool, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(partitionHeader); err != nil {
		return false, err
	}
	for _, kr := range records {
		row := []string{
			strconv.FormatUint(kr.Index, 10),
			strconv.Itoa(kr.KeySizeBits),
			strconv.Itoa(kr.Exponent),
			hex.EncodeToString(keyindex.CanonicalModulusBytes(kr.Modulus)),
			keyindex.Fingerprint(kr.Modulus),
			kr.Subject,
			kr.Issuer,
			strconv.FormatInt(kr.NotBefore, 10),
			strconv.FormatInt(kr.NotAfter, 10),
			strconv.FormatUint(kr.ShardID, 10),
		}
		if err := w.Write(row); err != nil {
			return false, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return false, err
	}

	checksum := fmt.Sprintf("%016x", xxh3.Hash(buf.Bytes()))
	path := filepath.Join(b.datasetDir, fmt.Sprintf("partition_%06d.csv.gz", sh.ID))

	existing, found, err := b.catalog.Lookup(ctx, sh.ID)
	if err != nil {
		return false, err
	}
	if found && existing.Checksum == checksum {
		if _, err := os.Stat(existing.Path); err == nil {
			b.log.Debug("partition unchanged, skipping export",
				zap.Uint64("shard", sh.ID),
				zap.String("checksum", checksum))
			return true, nil
		}
	}

	n, err := writeGzipAtomic(path, buf.Bytes())
	if err != nil {
		return false, fmt.Errorf("export partition for shard %d: %w", sh.ID, err)
	}
	if metrics.IsMetricsEnabled() {
		m := metrics.GetMetrics()
		m.PartitionsWritten.Inc()
		m.ExportBytesTotal.Add(float64(n))
	}

	return false, b.catalog.Record(ctx, Partition{
		ShardID:     sh.ID,
		Path:        path,
		Checksum:    checksum,
		RecordCount: len(records),
		ExportedAt:  time.Now(),
	})
}

// writeBuckets emits one manifest per key-size bucket with the index and
// modulus of every member, which is the exact input contract of the
// external solver.
func (b *Builder) writeBuckets(idx *keyindex.Result, records []*decode.KeyRecord) ([]string, error) {
	if err := os.MkdirAll(b.bucketDir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket dir: %w", err)
	}

	byIndex := make(map[uint64]*decode.KeyRecord, len(records))
	for _, kr := range records {
		byIndex[kr.Index] = kr
	}

	var paths []string
	for _, bucket := range idx.Buckets {
		path := filepath.Join(b.bucketDir, fmt.Sprintf("bucket_%d.csv", bucket.KeySizeBits))

		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write([]string{"index", "modulus_hex"}); err != nil {
			return nil, err
		}
		for _, index := range bucket.Indices {
			kr := byIndex[index]
			row := []string{
				strconv.FormatUint(index, 10),
				hex.EncodeToString(keyindex.CanonicalModulusBytes(kr.Modulus)),
			}
			if err := w.Write(row); err != nil {
				return nil, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}

		if err := writeFileAtomic(path, buf.Bytes()); err != nil {
			return nil, fmt.Errorf("write bucket %d: %w", bucket.KeySizeBits, err)
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

func writeGzipAtomic(path string, data []byte) (int64, error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	err = func() error {
		gz := gzip.NewWriter(f)
		if _, err := gz.Write(data); err != nil {
			return err
		}
		if err := gz.Close(); err != nil {
			return err
		}
		return f.Sync()
	}()

	if err2 := f.Close(); err2 != nil && err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func writeFileAtomic(path string, data []byte) error {
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
