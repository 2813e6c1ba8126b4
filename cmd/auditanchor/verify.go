package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/carevault/auditanchor/internal/verify"
)

// ============================================================
// verify
// ============================================================

var (
	verifyHash string
	verifyFile string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a digest, tx reference, or exported file against the anchors",
	Long: `Verify that a digest (or ledger tx reference) was anchored, or hash a
previously exported file and verify its digest.

Exit codes:
  0  matched
  1  not found (the data was never anchored, or has been altered)
  2  verification could not be performed (store unavailable)`,
	Example: `  auditanchor verify --hash 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08
  auditanchor verify --file audit-2024-06.jsonl`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if (verifyHash == "") == (verifyFile == "") {
			return fmt.Errorf("exactly one of --hash or --file is required")
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			svc := verify.New(a.anchors, verify.WithPageSize(a.cfg.Verify.PageSize))

			var (
				res verify.Result
				err error
			)
			if verifyFile != "" {
				f, ferr := os.Open(verifyFile)
				if ferr != nil {
					return ferr
				}
				defer f.Close()
				res, err = svc.VerifyFile(ctx, f)
			} else {
				res, err = svc.VerifyHash(ctx, verifyHash)
			}

			var infra *verify.InfrastructureError
			if errors.As(err, &infra) {
				return &exitError{code: exitInfraErr, err: err}
			}
			if err != nil {
				return err
			}

			if !res.Matched() {
				fmt.Printf("[auditanchor] NOT FOUND: %s\n", res.Input)
				fmt.Println("[auditanchor] No anchor matches. The data was never anchored or has been modified (possible tampering).")
				return &exitError{code: exitFailure}
			}

			h := res.Anchor
			fmt.Printf("[auditanchor] MATCHED by %s\n", res.MatchedBy)
			fmt.Printf("  Digest:       %s\n", h.Digest)
			fmt.Printf("  Tx reference: %s\n", h.TxReference)
			fmt.Printf("  Network:      %s\n", h.Network)
			fmt.Printf("  Kind:         %s\n", h.Kind)
			fmt.Printf("  Records:      %d\n", h.RecordCount)
			fmt.Printf("  Anchored at:  %s\n", h.AnchoredAt.UTC().Format("2006-01-02T15:04:05Z"))
			return nil
		})
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyHash, "hash", "", "Digest or ledger tx reference to verify")
	verifyCmd.Flags().StringVar(&verifyFile, "file", "", "Exported file to hash and verify")
}
