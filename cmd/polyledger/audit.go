package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/polyledger/internal/app"
)

// errAuditFailed makes the command exit non-zero after printing the report.
var errAuditFailed = errors.New("ledger audit failed")

func init() {
	rootCmd.AddCommand(auditCmd)
	addOutputFlag(auditCmd)
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Restore the newest snapshot offline and check every ledger invariant",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, closer, err := loadConfig()
		if err != nil {
			return err
		}
		defer closer.Close()

		application := app.New(cfg, logger)
		defer application.Close()

		report, err := application.Audit(cmd.Context())
		if err != nil {
			return err
		}

		out := struct {
			SnapshotSeq uint64 `json:"snapshot_seq"`
			StoredSeq   uint64 `json:"stored_seq"`
			Path        string `json:"path,omitempty"`
			OK          bool   `json:"ok"`
			Error       string `json:"error,omitempty"`
		}{
			SnapshotSeq: report.SnapshotSeq,
			StoredSeq:   report.StoredSeq,
			Path:        report.Path,
			OK:          report.Err == nil,
		}
		if report.Err != nil {
			out.Error = report.Err.Error()
		}
		if err := printOutput(cmd, out, func(w io.Writer) {
			fmt.Fprintf(w, "snapshot seq %d (%s), event log seq %d\n", out.SnapshotSeq, out.Path, out.StoredSeq)
			if out.OK {
				fmt.Fprintln(w, "all invariants hold")
				return
			}
			fmt.Fprintf(w, "violations:\n%s\n", out.Error)
		}); err != nil {
			return err
		}
		if report.Err != nil {
			return errAuditFailed
		}
		return nil
	},
}
