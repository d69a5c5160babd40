// Package checkpoint persists harvesting progress. The checkpoint is the
// single authority for where the next run resumes; it only ever advances
// after the shard covering the advanced-over range is durably on disk.
package checkpoint

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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/x-stp/ctkeys/internal/metrics"
)

// ErrCommitFailed wraps persistence errors after all commit attempts were
// exhausted. Callers must treat it as fatal to the current run: in-memory
// progress cannot be trusted without durable confirmation.
var ErrCommitFailed = errors.New("checkpoint commit failed")

const commitAttempts = 3

// Checkpoint is the durable record of harvesting progress.
type Checkpoint struct {
	NextIndex   uint64 `json:"next_index"`
	TargetCount uint64 `json:"target_count"`
	LogID       string `json:"log_identifier"`
}

// Store reads and atomically replaces the checkpoint file.
type Store struct {
	path string
}

// NewStore creates a store backed by the file at path. The parent
// directory is created on first commit.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the checkpoint file location.
func (s *Store) Path() string { return s.path }

// Load reads the current checkpoint. A missing file yields the zero
// checkpoint (next_index = 0), which is the first-run state.
func (s *Store) Load() (Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read checkpoint %q: %w", s.path, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("parse checkpoint %q: %w", s.path, err)
	}
	return cp, nil
}

// Commit durably replaces the checkpoint. The new state is written to a
// temporary file, synced, then renamed over the old one, so a crash at any
// point leaves either the old or the new checkpoint, never a torn one.
// A bounded number of attempts is made; exhaustion returns ErrCommitFailed.
func (s *Store) Commit(cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrCommitFailed, err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}

	var lastErr error
	for attempt := 0; attempt < commitAttempts; attempt++ {
		if attempt > 0 {
			if metrics.IsMetricsEnabled() {
				metrics.GetMetrics().CheckpointCommitRetries.Inc()
			}
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		if lastErr = s.writeAtomic(data); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrCommitFailed, commitAttempts, lastErr)
}

func (s *Store) writeAtomic(data []byte) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err2 := f.Sync(); err2 != nil && err == nil {
		err = err2
	}
	if err2 := f.Close(); err2 != nil && err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
