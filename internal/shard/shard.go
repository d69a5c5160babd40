// Package shard implements the durable raw-entry container. A shard is a
// gzip-compressed JSONL file covering a contiguous index range; its presence
// under its final name means every index in the range is accounted for.
package shard

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
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

const tmpSuffix = ".tmp"

// filenamePattern encodes shard identity in the name itself so the directory
// can be audited without opening any file.
var filenamePattern = regexp.MustCompile(`^shard_(\d{6})_(\d{12})_(\d{12})\.jsonl\.gz$`)

// Record is one log entry as persisted in a shard. Payloads stay in the
// base64 form the log returned them in. Missing marks a placeholder row for
// an index that exhausted its retry budget.
type Record struct {
	Index     uint64 `json:"index"`
	LeafInput string `json:"leaf_input,omitempty"`
	ExtraData string `json:"extra_data,omitempty"`
	Missing   bool   `json:"missing,omitempty"`
}

// Shard describes one committed shard file.
type Shard struct {
	ID    uint64
	Start uint64 // first index, inclusive
	End   uint64 // last index, exclusive
	Path  string
}

// EntryCount returns the number of records the shard must contain.
func (s Shard) EntryCount() uint64 { return s.End - s.Start }

// Filename returns the canonical name for a shard covering [start, end).
func Filename(id, start, end uint64) string {
	return fmt.Sprintf("shard_%06d_%012d_%012d.jsonl.gz", id, start, end)
}

// ParseFilename recovers shard identity from a committed shard file name.
func ParseFilename(name string) (Shard, bool) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return Shard{}, false
	}
	id, _ := strconv.ParseUint(m[1], 10, 64)
	start, _ := strconv.ParseUint(m[2], 10, 64)
	end, _ := strconv.ParseUint(m[3], 10, 64)
	if end <= start {
		return Shard{}, false
	}
	return Shard{ID: id, Start: start, End: end}, true
}

// Writer commits shards into a single directory.
type Writer struct {
	dir string
}

// NewWriter creates the shard directory if needed and returns a writer for it.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create shard dir %q: %w", dir, err)
	}
	return &Writer{dir: dir}, nil
}

// Dir returns the shard directory.
func (w *Writer) Dir() string { return w.dir }

// WriteShard durably persists the records covering [start, end) and returns
// the committed shard. Records may arrive in any order; they are sorted and
// checked for exact range coverage before anything touches disk. Data goes
// to a temporary file first and is renamed into place only after a sync, so
// a partially written shard can never appear under a committed name.
//
// If the shard file already exists the call is a no-op and returns the
// existing shard, which makes crash-replay of a completed range safe.
func (w *Writer) WriteShard(id, start, end uint64, records []Record) (Shard, error) {
	if end <= start {
		return Shard{}, fmt.Errorf("shard %d: invalid range [%d, %d)", id, start, end)
	}
	if got, want := uint64(len(records)), end-start; got != want {
		return Shard{}, fmt.Errorf("shard %d: have %d records, range [%d, %d) needs %d", id, got, start, end, want)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Index < records[j].Index })
	for i, rec := range records {
		if want := start + uint64(i); rec.Index != want {
			return Shard{}, fmt.Errorf("shard %d: record %d has index %d, want %d", id, i, rec.Index, want)
		}
	}

	sh := Shard{ID: id, Start: start, End: end, Path: filepath.Join(w.dir, Filename(id, start, end))}

	if _, err := os.Stat(sh.Path); err == nil {
		return sh, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return Shard{}, fmt.Errorf("stat shard %q: %w", sh.Path, err)
	}

	if err := w.writeAtomic(sh.Path, records); err != nil {
		return Shard{}, fmt.Errorf("write shard %d: %w", id, err)
	}
	return sh, nil
}

func (w *Writer) writeAtomic(path string, records []Record) error {
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	err = func() error {
		bw := bufio.NewWriter(f)
		gz := gzip.NewWriter(bw)
		enc := json.NewEncoder(gz)
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		if err := gz.Close(); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
		return f.Sync()
	}()

	if err2 := f.Close(); err2 != nil && err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// DiscardTemp removes leftover temporary files from an interrupted run.
// Committed shards are never touched.
func DiscardTemp(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+tmpSuffix))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("remove %q: %w", path, err)
		}
		removed++
	}
	return removed, nil
}

// Scan lists committed shards in dir ordered by start index. Files that do
// not match the shard naming scheme are ignored.
func Scan(dir string) ([]Shard, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read shard dir %q: %w", dir, err)
	}

	var shards []Shard
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		sh, ok := ParseFilename(ent.Name())
		if !ok {
			continue
		}
		sh.Path = filepath.Join(dir, ent.Name())
		shards = append(shards, sh)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].Start < shards[j].Start })
	return shards, nil
}

// Read loads every record from a committed shard and validates that the
// contents match the range the filename claims.
func Read(sh Shard) ([]Record, error) {
	f, err := os.Open(sh.Path)
	if err != nil {
		return nil, fmt.Errorf("open shard %q: %w", sh.Path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("shard %q: %w", sh.Path, err)
	}
	defer gz.Close()

	records := make([]Record, 0, sh.EntryCount())
	dec := json.NewDecoder(gz)
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("shard %q: decode record %d: %w", sh.Path, len(records), err)
		}
		records = append(records, rec)
	}

	if got, want := uint64(len(records)), sh.EntryCount(); got != want {
		return nil, fmt.Errorf("shard %q: %d records, filename claims %d", sh.Path, got, want)
	}
	for i, rec := range records {
		if want := sh.Start + uint64(i); rec.Index != want {
			return nil, fmt.Errorf("shard %q: record %d has index %d, want %d", sh.Path, i, rec.Index, want)
		}
	}
	return records, nil
}
