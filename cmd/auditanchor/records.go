package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/carevault/auditanchor/internal/audit"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Append, query and export audit records",
}

// ============================================================
// records append
// ============================================================

var appendData string

var recordsAppendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append one audit record (JSON from --data or stdin)",
	Example: `  auditanchor records append --data '{"user_id":"u-17","action":"record.view","target_type":"patient","target_id":"p-9"}'
  some-producer | auditanchor records append`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var src io.Reader = os.Stdin
		if appendData != "" {
			src = strings.NewReader(appendData)
		}

		dec := json.NewDecoder(src)
		dec.UseNumber()
		var rec audit.Record
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("invalid record JSON: %w", err)
		}
		if rec.Action == "" {
			return fmt.Errorf("record action is required")
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now().UTC()
		}

		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			if err := a.records.Append(ctx, rec); err != nil {
				return err
			}
			fmt.Println(rec.ID)
			return nil
		})
	},
}

// ============================================================
// records query
// ============================================================

var (
	queryUser   string
	queryAction string
	querySince  time.Duration
	queryLimit  int
)

var recordsQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List records, newest first",
	Example: `  auditanchor records query --action 'consent.*' --since 24h
  auditanchor records query --user u-17 --limit 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		params := audit.QueryParams{
			UserID: queryUser,
			Action: queryAction,
			Limit:  queryLimit,
		}
		if querySince > 0 {
			params.Since = time.Now().Add(-querySince)
		}

		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			records, err := a.records.Query(ctx, params)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("[auditanchor] No matching records.")
				return nil
			}
			for _, r := range records {
				fmt.Printf("%s  %-36s  %-10s  %-24s  %s\n",
					r.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
					r.ID, deref(r.UserID), r.Action, target(r))
			}
			return nil
		})
	},
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func target(r audit.Record) string {
	if r.TargetType == nil && r.TargetID == nil {
		return "-"
	}
	return deref(r.TargetType) + "/" + deref(r.TargetID)
}

// ============================================================
// records export
// ============================================================

var (
	exportFrom   string
	exportTo     string
	exportFormat string
	exportOutput string
	exportAnchor bool
)

var recordsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export records in a time range",
	Long: `Export every record with from <= timestamp < to, oldest first.

--from and --to accept RFC 3339 timestamps or a duration meaning "that long
ago" (e.g. 720h). --to defaults to now.

With --anchor the SHA-256 of the exported bytes is committed to the ledger
as an export anchor, so the file can later be checked with
'auditanchor verify --file'.`,
	Example: `  auditanchor records export --from 2024-06-01T00:00:00Z --to 2024-07-01T00:00:00Z -o june.jsonl --anchor
  auditanchor records export --from 24h --format csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now().UTC()
		from, err := parseTimeArg(exportFrom, now)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		to := now
		if exportTo != "" {
			if to, err = parseTimeArg(exportTo, now); err != nil {
				return fmt.Errorf("--to: %w", err)
			}
		}
		if !from.Before(to) {
			return fmt.Errorf("--from must be before --to")
		}

		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			records, err := a.records.Range(ctx, from, to)
			if err != nil {
				return err
			}

			var buf bytes.Buffer
			if err := audit.Export(&buf, records, exportFormat); err != nil {
				return err
			}
			exported := buf.Bytes()

			if exportOutput == "" || exportOutput == "-" {
				if _, err := os.Stdout.Write(exported); err != nil {
					return err
				}
			} else if err := os.WriteFile(exportOutput, exported, 0o600); err != nil {
				return fmt.Errorf("failed to write %s: %w", exportOutput, err)
			}
			fmt.Fprintf(os.Stderr, "[auditanchor] Exported %d records\n", len(records))

			if !exportAnchor {
				return nil
			}
			digest, err := audit.FileDigest(bytes.NewReader(exported))
			if err != nil {
				return err
			}
			p, err := policy(a.cfg)
			if err != nil {
				return err
			}
			sched, err := a.scheduler(p, nil)
			if err != nil {
				return err
			}
			h, err := sched.AnchorExport(ctx, digest, len(records))
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "[auditanchor] Anchored export %s (tx %s on %s)\n", h.Digest, h.TxReference, h.Network)
			return nil
		})
	},
}

// parseTimeArg accepts an RFC 3339 timestamp or a duration before now.
func parseTimeArg(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("value is required")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither an RFC 3339 time nor a duration", s)
	}
	return now.Add(-d), nil
}

func init() {
	recordsAppendCmd.Flags().StringVar(&appendData, "data", "", "Record JSON (default: read stdin)")

	recordsQueryCmd.Flags().StringVar(&queryUser, "user", "", "Only records by this user id")
	recordsQueryCmd.Flags().StringVar(&queryAction, "action", "", "Action glob, e.g. 'record.*'")
	recordsQueryCmd.Flags().DurationVar(&querySince, "since", 0, "Only records newer than this (e.g. 24h)")
	recordsQueryCmd.Flags().IntVar(&queryLimit, "limit", 50, "Maximum records to list")

	recordsExportCmd.Flags().StringVar(&exportFrom, "from", "", "Range start (RFC 3339 or duration ago)")
	recordsExportCmd.Flags().StringVar(&exportTo, "to", "", "Range end, exclusive (default now)")
	recordsExportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Output format: jsonl, json, csv")
	recordsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default stdout)")
	recordsExportCmd.Flags().BoolVar(&exportAnchor, "anchor", false, "Anchor the export's digest to the ledger")
	_ = recordsExportCmd.MarkFlagRequired("from")

	recordsCmd.AddCommand(recordsAppendCmd)
	recordsCmd.AddCommand(recordsQueryCmd)
	recordsCmd.AddCommand(recordsExportCmd)
}
