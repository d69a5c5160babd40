// Package decode turns raw shard records into RSA key records. It peels the
// MerkleTreeLeaf framing, parses the embedded certificate or precert TBS,
// and keeps only RSA subject public keys.
package decode

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
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	casn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/x-stp/ctkeys/internal/shard"
)

// Skip reasons carried by DecodeError. These are the discriminated failure
// classes the export stage counts.
const (
	ReasonMalformed            = "malformed"
	ReasonUnsupportedAlgorithm = "unsupported_algorithm"
	ReasonMissing              = "missing"
)

// DecodeError explains why one entry yielded no key record.
type DecodeError struct {
	Index  uint64
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("entry %d: %s: %v", e.Index, e.Reason, e.Err)
	}
	return fmt.Sprintf("entry %d: %s", e.Index, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func malformed(index uint64, err error) *DecodeError {
	return &DecodeError{Index: index, Reason: ReasonMalformed, Err: err}
}

// KeyRecord is the decoded output for one log entry with an RSA key.
type KeyRecord struct {
	Index       uint64
	ShardID     uint64
	Timestamp   uint64 // CT leaf timestamp, milliseconds since epoch
	EntryType   uint16 // 0 x509_entry, 1 precert_entry
	KeySizeBits int
	Modulus     *big.Int
	Exponent    int
	Subject     string
	Issuer      string
	NotBefore   int64 // unix seconds, zero for precert TBS fallback
	NotAfter    int64
}

// Precert reports whether the record came from a precert_entry.
func (k *KeyRecord) Precert() bool { return k.EntryType == 1 }

// DecodeEntry decodes one shard record. A nil KeyRecord with a nil error
// never happens; failures always carry a *DecodeError whose Reason tells the
// caller whether the entry was malformed, non-RSA, or a missing placeholder.
func DecodeEntry(rec shard.Record, shardID uint64) (*KeyRecord, error) {
	if rec.Missing {
		return nil, &DecodeError{Index: rec.Index, Reason: ReasonMissing}
	}

	leafBytes, err := base64.StdEncoding.DecodeString(rec.LeafInput)
	if err != nil {
		return nil, malformed(rec.Index, fmt.Errorf("leaf input base64: %w", err))
	}

	timestamp, entryType, certDER, err := parseLeaf(leafBytes)
	if err != nil {
		return nil, malformed(rec.Index, err)
	}

	kr := &KeyRecord{
		Index:     rec.Index,
		ShardID:   shardID,
		Timestamp: timestamp,
		EntryType: entryType,
	}

	switch entryType {
	case 0:
		cert, err := x509.ParseCertificate(certDER)
		if err != nil {
			return nil, malformed(rec.Index, fmt.Errorf("parse certificate: %w", err))
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, &DecodeError{Index: rec.Index, Reason: ReasonUnsupportedAlgorithm}
		}
		kr.Modulus = pub.N
		kr.Exponent = pub.E
		kr.Subject = cert.Subject.String()
		kr.Issuer = cert.Issuer.String()
		kr.NotBefore = cert.NotBefore.Unix()
		kr.NotAfter = cert.NotAfter.Unix()
	case 1:
		// Precert TBS lacks the outer Certificate wrapper (and often the
		// poison-stripped extensions confuse the full parser), so only the
		// SPKI is pulled out. Names and validity stay empty.
		pub, err := precertPublicKey(certDER)
		if err != nil {
			return nil, err.withIndex(rec.Index)
		}
		kr.Modulus = pub.N
		kr.Exponent = pub.E
	default:
		return nil, malformed(rec.Index, fmt.Errorf("unknown LogEntryType %d", entryType))
	}

	kr.KeySizeBits = kr.Modulus.BitLen()
	return kr, nil
}

// parseLeaf decodes the MerkleTreeLeaf framing: version 0, leaf type 0
// (timestamped_entry), then timestamp, entry type, and the 24-bit
// length-prefixed certificate payload.
func parseLeaf(leafBytes []byte) (timestamp uint64, entryType uint16, certDER []byte, err error) {
	if len(leafBytes) < 2 {
		return 0, 0, nil, fmt.Errorf("leaf input too short for CT framing (len %d)", len(leafBytes))
	}
	if v := leafBytes[0]; v != 0 {
		return 0, 0, nil, fmt.Errorf("unsupported MerkleTreeLeaf version: %d", v)
	}
	if lt := leafBytes[1]; lt != 0 {
		return 0, 0, nil, fmt.Errorf("unsupported MerkleLeafType: %d", lt)
	}

	r := bytes.NewReader(leafBytes[2:])

	if err := binary.Read(r, binary.BigEndian, &timestamp); err != nil {
		return 0, 0, nil, fmt.Errorf("read timestamp: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &entryType); err != nil {
		return 0, 0, nil, fmt.Errorf("read entry type: %w", err)
	}

	if entryType == 1 {
		// issuer_key_hash precedes the TBS payload in precert entries.
		var issuerKeyHash [32]byte
		if _, err := io.ReadFull(r, issuerKeyHash[:]); err != nil {
			return 0, 0, nil, fmt.Errorf("read precert issuer key hash: %w", err)
		}
	}

	var lenBytes [3]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return 0, 0, nil, fmt.Errorf("read payload length: %w", err)
	}
	payloadLen := uint32(lenBytes[0])<<16 | uint32(lenBytes[1])<<8 | uint32(lenBytes[2])
	if payloadLen > uint32(r.Len()) {
		return 0, 0, nil, fmt.Errorf("payload length (%d) exceeds remaining data (%d)", payloadLen, r.Len())
	}

	certDER = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, certDER); err != nil {
		return 0, 0, nil, fmt.Errorf("read payload: %w", err)
	}
	return timestamp, entryType, certDER, nil
}

type decodeFailure struct {
	reason string
	err    error
}

func (f *decodeFailure) withIndex(index uint64) *DecodeError {
	return &DecodeError{Index: index, Reason: f.reason, Err: f.err}
}

// precertPublicKey walks a TBSCertificate to its SubjectPublicKeyInfo and
// parses the key. TBSCertificate field order per RFC 5280:
//
//	[0] version, serialNumber, signature, issuer, validity, subject, SPKI
func precertPublicKey(tbs []byte) (*rsa.PublicKey, *decodeFailure) {
	input := cryptobyte.String(tbs)
	var body cryptobyte.String
	if !input.ReadASN1(&body, casn1.SEQUENCE) {
		return nil, &decodeFailure{reason: ReasonMalformed, err: fmt.Errorf("TBS is not a SEQUENCE")}
	}
	if !body.SkipOptionalASN1(casn1.Tag(0).Constructed().ContextSpecific()) {
		return nil, &decodeFailure{reason: ReasonMalformed, err: fmt.Errorf("malformed TBS version")}
	}
	if !body.SkipASN1(casn1.INTEGER) {
		return nil, &decodeFailure{reason: ReasonMalformed, err: fmt.Errorf("malformed TBS serial number")}
	}
	for _, field := range []string{"signature", "issuer", "validity", "subject"} {
		if !body.SkipASN1(casn1.SEQUENCE) {
			return nil, &decodeFailure{reason: ReasonMalformed, err: fmt.Errorf("malformed TBS %s", field)}
		}
	}
	var spki cryptobyte.String
	if !body.ReadASN1Element(&spki, casn1.SEQUENCE) {
		return nil, &decodeFailure{reason: ReasonMalformed, err: fmt.Errorf("malformed TBS subjectPublicKeyInfo")}
	}

	pub, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		return nil, &decodeFailure{reason: ReasonMalformed, err: fmt.Errorf("parse SPKI: %w", err)}
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, &decodeFailure{reason: ReasonUnsupportedAlgorithm}
	}
	return rsaPub, nil
}
