// Package keyindex fingerprints RSA moduli and groups the harvested keys
// for analysis: exact duplicates by modulus and key-size buckets for the
// pairwise-GCD solver.
package keyindex

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
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"sort"

	"github.com/x-stp/ctkeys/internal/decode"
)

// CanonicalModulusBytes returns the minimal big-endian encoding of n with no
// leading zero bytes. Two keys share a fingerprint iff they share a modulus,
// so the encoding must not depend on how the modulus was transported.
func CanonicalModulusBytes(n *big.Int) []byte {
	return n.Bytes()
}

// Fingerprint is the SHA-256 digest of the canonical modulus bytes, hex
// encoded.
func Fingerprint(n *big.Int) string {
	sum := sha256.Sum256(CanonicalModulusBytes(n))
	return hex.EncodeToString(sum[:])
}

// DuplicateGroup is a modulus shared by more than one log entry.
type DuplicateGroup struct {
	Fingerprint string
	Indices     []uint64
}

// Bucket holds all entry indices whose keys have the same modulus bit
// length. Pairwise GCD work is partitioned by bucket.
type Bucket struct {
	KeySizeBits int
	Indices     []uint64
}

// Result is the full index over a set of key records.
type Result struct {
	TotalKeys       int
	DistinctModuli  int
	DuplicateGroups []DuplicateGroup
	Buckets         []Bucket
}

// KeySizeDistribution maps modulus bit length to key count.
func (r *Result) KeySizeDistribution() map[int]int {
	dist := make(map[int]int, len(r.Buckets))
	for _, b := range r.Buckets {
		dist[b.KeySizeBits] = len(b.Indices)
	}
	return dist
}

// Index builds the duplicate groups and key-size buckets for records. The
// output is fully deterministic: groups sort by fingerprint, buckets by bit
// length, and every index list ascends.
func Index(records []*decode.KeyRecord) *Result {
	byFingerprint := make(map[string][]uint64)
	byBits := make(map[int][]uint64)

	for _, rec := range records {
		fp := Fingerprint(rec.Modulus)
		byFingerprint[fp] = append(byFingerprint[fp], rec.Index)
		byBits[rec.KeySizeBits] = append(byBits[rec.KeySizeBits], rec.Index)
	}

	res := &Result{
		TotalKeys:      len(records),
		DistinctModuli: len(byFingerprint),
	}

	for fp, indices := range byFingerprint {
		if len(indices) < 2 {
			continue
		}
		sortIndices(indices)
		res.DuplicateGroups = append(res.DuplicateGroups, DuplicateGroup{Fingerprint: fp, Indices: indices})
	}
	sort.Slice(res.DuplicateGroups, func(i, j int) bool {
		return res.DuplicateGroups[i].Fingerprint < res.DuplicateGroups[j].Fingerprint
	})

	for bits, indices := range byBits {
		sortIndices(indices)
		res.Buckets = append(res.Buckets, Bucket{KeySizeBits: bits, Indices: indices})
	}
	sort.Slice(res.Buckets, func(i, j int) bool {
		return res.Buckets[i].KeySizeBits < res.Buckets[j].KeySizeBits
	})

	return res
}

func sortIndices(indices []uint64) {
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
}
