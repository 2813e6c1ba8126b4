package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Encoding selects the canonical serialization a batch is hashed over.
// The encoding is recorded on every anchor: switching it changes every
// digest, so history anchored under one encoding must be re-derived with
// the same one.
type Encoding string

const (
	// EncodingPipe joins the fields of a record with '|' and concatenates
	// records with no separator. It is the compatibility baseline the
	// existing anchored history was produced with.
	//
	// A field value containing '|' can shift content across a field or
	// record boundary, so two different batches can in principle serialize
	// to the same bytes. Use EncodingLengthPrefixed where that matters.
	EncodingPipe Encoding = "pipe"

	// EncodingLengthPrefixed writes every field as "<len>:<bytes>" and
	// terminates each record with '\n'. Unambiguous for any field content.
	EncodingLengthPrefixed Encoding = "length-prefixed"

	// EncodingFile marks anchors whose digest is a raw file-content hash
	// (see FileDigest) rather than a record-sequence hash.
	EncodingFile Encoding = "file"
)

// EmptyBatchSentinel is hashed in place of an empty record sequence so an
// explicitly confirmed empty batch has its own well-known digest.
const EmptyBatchSentinel = "empty"

// nullSentinel stands in for absent nullable fields.
const nullSentinel = "null"

// timestampLayout is UTC ISO-8601 with millisecond precision, e.g.
// 2026-03-01T08:15:30.123Z.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// HashingError reports a record whose content could not be canonicalized.
// The anchoring run fails on it; a placeholder is never substituted.
type HashingError struct {
	RecordID string
	Err      error
}

func (e *HashingError) Error() string {
	return fmt.Sprintf("canonicalizing audit record %q: %v", e.RecordID, e.Err)
}

func (e *HashingError) Unwrap() error { return e.Err }

// ParseEncoding validates an encoding name from configuration.
// The empty string selects EncodingPipe.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case "", EncodingPipe:
		return EncodingPipe, nil
	case EncodingLengthPrefixed:
		return EncodingLengthPrefixed, nil
	default:
		return "", fmt.Errorf("unknown hash encoding %q (use %s or %s)", s, EncodingPipe, EncodingLengthPrefixed)
	}
}

// HashBatch returns the lowercase hex SHA-256 digest of records.
//
// Records are hashed in exactly the order given. HashBatch never sorts:
// callers pass records in ascending (Timestamp, ID) order, as Store returns
// them, and reordering the input changes the digest.
//
// Per record the canonical fields are, in order:
//
//	id | userId | action | targetType | targetId | timestamp | metadata
//
// with "null" for absent nullable fields, the timestamp in UTC ISO-8601
// with milliseconds, and metadata as key-sorted JSON ("{}" when absent).
// An empty input hashes EmptyBatchSentinel.
func HashBatch(records []Record, enc Encoding) (string, error) {
	h := sha256.New()

	if len(records) == 0 {
		io.WriteString(h, EmptyBatchSentinel)
		return hex.EncodeToString(h.Sum(nil)), nil
	}

	for i := range records {
		fields, err := canonicalFields(&records[i])
		if err != nil {
			return "", err
		}
		switch enc {
		case EncodingLengthPrefixed:
			writeLengthPrefixed(h, fields)
		case EncodingPipe, "":
			writePiped(h, fields)
		default:
			return "", fmt.Errorf("unsupported hash encoding %q", enc)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileDigest returns the lowercase hex SHA-256 of the raw bytes read from r.
//
// This is a file-content hash, not a record-sequence hash: it matches an
// anchor only when the export file itself was anchored.
func FileDigest(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashing file content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CanonicalString returns the pipe-encoded canonical form of one record.
// Exposed for diagnostics (`auditanchor records query --canonical`).
func CanonicalString(r Record) (string, error) {
	fields, err := canonicalFields(&r)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	writePiped(&buf, fields)
	return buf.String(), nil
}

func canonicalFields(r *Record) ([7]string, error) {
	meta, err := CanonicalJSON(r.Metadata)
	if err != nil {
		return [7]string{}, &HashingError{RecordID: r.ID, Err: err}
	}
	return [7]string{
		r.ID,
		orNull(r.UserID),
		r.Action,
		orNull(r.TargetType),
		orNull(r.TargetID),
		formatTimestamp(r.Timestamp),
		meta,
	}, nil
}

func writePiped(w io.Writer, fields [7]string) {
	for i, f := range fields {
		if i > 0 {
			io.WriteString(w, "|")
		}
		io.WriteString(w, f)
	}
}

func writeLengthPrefixed(h io.Writer, fields [7]string) {
	for _, f := range fields {
		io.WriteString(h, strconv.Itoa(len(f)))
		io.WriteString(h, ":")
		io.WriteString(h, f)
	}
	io.WriteString(h, "\n")
}

func orNull(s *string) string {
	if s == nil {
		return nullSentinel
	}
	return *s
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// CanonicalJSON serializes v with object keys sorted at every depth, no
// HTML escaping, and numbers kept as written. A nil map yields "{}".
//
// Values JSON cannot represent (NaN, channels, functions, cyclic data)
// return an error.
func CanonicalJSON(v map[string]any) (string, error) {
	if v == nil {
		return "{}", nil
	}

	// First pass: plain encoding. Struct values inside the map encode in
	// field order, so decode into generic maps and encode again to get
	// sorted keys everywhere.
	raw, err := encodeNoEscape(v)
	if err != nil {
		return "", err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("re-decoding metadata: %w", err)
	}

	out, err := encodeNoEscape(generic)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func encodeNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
