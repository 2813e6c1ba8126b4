package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Export writes records to w in the given format.
// Supported formats: "jsonl" (default), "json", "csv".
//
// The bytes written are what `verify --file` later hashes, so the output
// for a fixed record slice and format is stable: fields in struct order,
// metadata in canonical (key-sorted) JSON for csv.
func Export(w io.Writer, records []Record, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if records == nil {
			records = []Record{}
		}
		return enc.Encode(records)

	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"id", "user_id", "action", "target_type", "target_id", "timestamp", "metadata"}); err != nil {
			return err
		}
		for _, r := range records {
			meta, err := CanonicalJSON(r.Metadata)
			if err != nil {
				return &HashingError{RecordID: r.ID, Err: err}
			}
			if err := cw.Write([]string{
				r.ID,
				orNull(r.UserID),
				r.Action,
				orNull(r.TargetType),
				orNull(r.TargetID),
				r.Timestamp.UTC().Format(time.RFC3339Nano),
				meta,
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}
