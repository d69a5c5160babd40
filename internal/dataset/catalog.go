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
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Catalog is the sqlite bookkeeping database for the export stage. It maps
// source shards to their dataset partitions so repeated decode runs skip
// partitions whose content has not changed.
type Catalog struct {
	db *sql.DB
}

const catalogSchema = `
CREATE TABLE IF NOT EXISTS partitions (
	shard_id     INTEGER PRIMARY KEY,
	path         TEXT    NOT NULL,
	checksum     TEXT    NOT NULL,
	record_count INTEGER NOT NULL,
	exported_at  TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at       TEXT    NOT NULL,
	finished_at      TEXT    NOT NULL,
	shards_seen      INTEGER NOT NULL,
	records_exported INTEGER NOT NULL,
	skips_malformed  INTEGER NOT NULL,
	skips_non_rsa    INTEGER NOT NULL,
	skips_missing    INTEGER NOT NULL,
	duplicate_groups INTEGER NOT NULL
);
`

// Partition is one catalog row describing a committed dataset partition.
type Partition struct {
	ShardID     uint64
	Path        string
	Checksum    string
	RecordCount int
	ExportedAt  time.Time
}

// OpenCatalog opens (creating if needed) the catalog at path.
func OpenCatalog(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %q: %w", path, err)
	}
	// Single-writer batch tool; WAL keeps readers (status command) unblocked.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog %q: set WAL: %w", path, err)
	}
	if _, err := db.Exec(catalogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog %q: create schema: %w", path, err)
	}
	return &Catalog{db: db}, nil
}

// Close releases the database handle.
func (c *Catalog) Close() error { return c.db.Close() }

// Lookup returns the recorded partition for a shard, or ok=false when the
// shard has never been exported.
func (c *Catalog) Lookup(ctx context.Context, shardID uint64) (Partition, bool, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT path, checksum, record_count, exported_at FROM partitions WHERE shard_id = ?`,
		int64(shardID))

	var p Partition
	var exportedAt string
	err := row.Scan(&p.Path, &p.Checksum, &p.RecordCount, &exportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Partition{}, false, nil
	}
	if err != nil {
		return Partition{}, false, fmt.Errorf("catalog lookup shard %d: %w", shardID, err)
	}
	p.ShardID = shardID
	p.ExportedAt, _ = time.Parse(time.RFC3339, exportedAt)
	return p, true, nil
}

// Record upserts the partition row for a shard after a successful export.
func (c *Catalog) Record(ctx context.Context, p Partition) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO partitions (shard_id, path, checksum, record_count, exported_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(shard_id) DO UPDATE SET
		   path = excluded.path,
		   checksum = excluded.checksum,
		   record_count = excluded.record_count,
		   exported_at = excluded.exported_at`,
		int64(p.ShardID), p.Path, p.Checksum, p.RecordCount, p.ExportedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("catalog record shard %d: %w", p.ShardID, err)
	}
	return nil
}

// RecordRun appends a run summary row.
func (c *Catalog) RecordRun(ctx context.Context, sum *BuildSummary) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO runs (started_at, finished_at, shards_seen, records_exported,
		   skips_malformed, skips_non_rsa, skips_missing, duplicate_groups)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.StartedAt.UTC().Format(time.RFC3339),
		sum.FinishedAt.UTC().Format(time.RFC3339),
		sum.ShardsSeen,
		sum.RecordsExported,
		sum.SkipsMalformed,
		sum.SkipsNonRSA,
		sum.SkipsMissing,
		sum.DuplicateGroups)
	if err != nil {
		return fmt.Errorf("catalog record run: %w", err)
	}
	return nil
}

// Partitions lists every catalog row ordered by shard id.
func (c *Catalog) Partitions(ctx context.Context) ([]Partition, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT shard_id, path, checksum, record_count, exported_at FROM partitions ORDER BY shard_id`)
	if err != nil {
		return nil, fmt.Errorf("catalog list partitions: %w", err)
	}
	defer rows.Close()

	var out []Partition
	for rows.Next() {
		var p Partition
		var shardID int64
		var exportedAt string
		if err := rows.Scan(&shardID, &p.Path, &p.Checksum, &p.RecordCount, &exportedAt); err != nil {
			return nil, fmt.Errorf("catalog scan partition: %w", err)
		}
		p.ShardID = uint64(shardID)
		p.ExportedAt, _ = time.Parse(time.RFC3339, exportedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}
