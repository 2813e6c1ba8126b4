package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/carevault/auditanchor/internal/anchor"
	"github.com/carevault/auditanchor/internal/config"
)

// ============================================================
// anchor run
// ============================================================

var (
	runForce   bool
	runLimit   int
	runNetwork string
)

var anchorCmd = &cobra.Command{
	Use:   "anchor",
	Short: "Anchoring runs",
}

var anchorRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one anchoring pass",
	Long: `Run one anchoring pass and print its report as JSON.

The pass is skipped when the last batch anchor is younger than
anchoring.minInterval, or when there are no unanchored records. --force
anchors regardless, committing the empty-batch digest when nothing is new.

Exits 1 when the run FAILED.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return reportSetupFailure(os.Stdout, nil, nil, err)
		}
		if cmd.Flags().Changed("network") {
			cfg.Ledger.Network = runNetwork
		}

		a, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return reportSetupFailure(os.Stdout, cfg, nil, err)
		}
		defer a.Close()

		p, err := policy(cfg)
		if err != nil {
			return reportSetupFailure(os.Stdout, cfg, a.sink, err)
		}
		if runForce {
			p.ForceAnchor = true
		}
		if cmd.Flags().Changed("limit") {
			p.LogLimit = runLimit
		}

		sched, err := a.scheduler(p, nil)
		if err != nil {
			return reportSetupFailure(os.Stdout, cfg, a.sink, err)
		}
		rep := sched.Run(cmd.Context())

		if err := writeJSON(os.Stdout, rep); err != nil {
			return err
		}
		if rep.Outcome == anchor.OutcomeFailed {
			return &exitError{code: exitFailure}
		}
		return nil
	},
}

// reportSetupFailure records a FAILED report for a run that never started.
// The report goes to sink, or to a sink opened from cfg when sink is nil,
// and is printed to w like any other run report.
func reportSetupFailure(w io.Writer, cfg *config.Config, sink anchor.ReportSink, cause error) error {
	rep := anchor.FailedReport(time.Now(), cause)

	if sink == nil {
		fs, err := anchor.NewFileSink(reportDir(cfg))
		if err != nil {
			slog.Warn("run report not persisted", "error", err)
		} else {
			sink = fs
		}
	}
	if sink != nil {
		if err := sink.WriteReport(rep); err != nil {
			slog.Warn("run report not persisted", "error", err)
		}
	}

	if err := writeJSON(w, rep); err != nil {
		slog.Warn("printing run report failed", "error", err)
	}
	return &exitError{code: exitFailure, err: cause}
}

var historyLimit int

var anchorHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent anchoring run reports, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			reports, err := a.sink.History(historyLimit)
			if err != nil {
				return err
			}
			if len(reports) == 0 {
				fmt.Println("[auditanchor] No runs recorded yet.")
				return nil
			}
			for _, r := range reports {
				line := fmt.Sprintf("%s  %-14s  %4d records  %5dms",
					r.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
					r.Outcome, r.Stats.LogsProcessed, r.Stats.ProcessingTimeMs)
				if r.Stats.TxHash != nil {
					line += "  tx=" + *r.Stats.TxHash
				}
				if r.Error != nil {
					line += "  error=" + *r.Error
				}
				fmt.Println(line)
			}
			return nil
		})
	},
}

// ============================================================
// anchors list / latest / pending
// ============================================================

var (
	listKind   string
	listLimit  int
	listOffset int
	pendingAll bool
)

var anchorsCmd = &cobra.Command{
	Use:   "anchors",
	Short: "Inspect anchored digests",
}

var anchorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List anchors, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			anchors, err := a.anchors.List(ctx, anchor.ListParams{
				Kind:   listKind,
				Limit:  listLimit,
				Offset: listOffset,
			})
			if err != nil {
				return err
			}
			if len(anchors) == 0 {
				fmt.Println("[auditanchor] No anchors yet.")
				return nil
			}
			fmt.Printf("%-24s  %-6s  %6s  %-64s  %s\n", "ANCHORED AT", "KIND", "COUNT", "DIGEST", "TX")
			for _, h := range anchors {
				fmt.Printf("%-24s  %-6s  %6d  %-64s  %s\n",
					h.AnchoredAt.UTC().Format("2006-01-02T15:04:05Z"),
					h.Kind, h.RecordCount, h.Digest, h.TxReference)
			}
			return nil
		})
	},
}

var anchorsLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Print the most recent anchor as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			h, err := a.anchors.Latest(ctx, listKind)
			if errors.Is(err, anchor.ErrNotFound) {
				fmt.Println("[auditanchor] No anchors yet.")
				return nil
			}
			if err != nil {
				return err
			}
			return printJSON(h)
		})
	},
}

var anchorsPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List ledger commits not yet matched by an anchor",
	Long: `List pending commit markers.

A marker in state "committed" means the ledger accepted a digest but the
anchor rows were not written. Its tx reference is needed to reconcile by
hand. By default only unresolved markers (pending, committed) are shown;
--all includes anchored and abandoned ones.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			states := []anchor.PendingState{anchor.PendingOpen, anchor.PendingCommitted}
			if pendingAll {
				states = nil
			}
			pending, err := a.anchors.ListPending(ctx, states...)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("[auditanchor] No pending commits.")
				return nil
			}
			for _, p := range pending {
				tx := p.TxReference
				if tx == "" {
					tx = "-"
				}
				fmt.Printf("%s  %-9s  %s  %4d records  tx=%s\n",
					p.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
					p.State, p.Digest, p.RecordCount, tx)
			}
			return nil
		})
	},
}

func printJSON(v any) error {
	return writeJSON(os.Stdout, v)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	anchorRunCmd.Flags().BoolVar(&runForce, "force", false, "Anchor even if the last anchor is fresh or there are no new records")
	anchorRunCmd.Flags().IntVar(&runLimit, "limit", 0, "Maximum records to anchor (default anchoring.logLimit)")
	anchorRunCmd.Flags().StringVar(&runNetwork, "network", "", "Ledger network name (default ledger.network)")
	anchorHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum reports to show")
	anchorCmd.AddCommand(anchorRunCmd)
	anchorCmd.AddCommand(anchorHistoryCmd)

	anchorsListCmd.Flags().StringVar(&listKind, "kind", "", "Only list anchors of this kind (batch, export)")
	anchorsListCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum anchors to list")
	anchorsListCmd.Flags().IntVar(&listOffset, "offset", 0, "Skip this many anchors")
	anchorsLatestCmd.Flags().StringVar(&listKind, "kind", "", "Only consider anchors of this kind (batch, export)")
	anchorsPendingCmd.Flags().BoolVar(&pendingAll, "all", false, "Include resolved markers")
	anchorsCmd.AddCommand(anchorsListCmd)
	anchorsCmd.AddCommand(anchorsLatestCmd)
	anchorsCmd.AddCommand(anchorsPendingCmd)
}
