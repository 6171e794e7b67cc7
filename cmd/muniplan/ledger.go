package main

import (
	"fmt"
	"io"

	"github.com/hyperengineering/muniplan/internal/config"
	"github.com/hyperengineering/muniplan/internal/types"
	"github.com/spf13/cobra"
)

var (
	ledgerRepair     bool
	ledgerJSONOutput bool
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the expense ledger",
}

var ledgerAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Compare each project's actual spend with its approved expenses",
	Long: "Lists projects whose cached actual spend differs from the sum of their " +
		"approved expenses. With --repair the cached value is rewritten and a " +
		"budget history entry is recorded.",
	Args: cobra.NoArgs,
	RunE: runLedgerAudit,
}

func init() {
	ledgerAuditCmd.Flags().BoolVar(&ledgerRepair, "repair", false, "Rewrite drifted projects from their approved expenses")
	ledgerAuditCmd.Flags().BoolVar(&ledgerJSONOutput, "json", false, "Output in JSON format")
	ledgerCmd.AddCommand(ledgerAuditCmd)
}

func runLedgerAudit(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadForTooling()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log, true)

	c, err := openCore(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	var drift []types.LedgerDrift
	if ledgerRepair {
		drift, err = c.ledger.Repair(cmd.Context())
	} else {
		drift, err = c.ledger.AuditLedger(cmd.Context())
	}
	if err != nil {
		return err
	}
	return writeDrift(cmd.OutOrStdout(), drift, ledgerRepair, ledgerJSONOutput)
}

func writeDrift(out io.Writer, drift []types.LedgerDrift, repaired, asJSON bool) error {
	if asJSON {
		if drift == nil {
			drift = []types.LedgerDrift{}
		}
		return printJSON(out, map[string]any{
			"drift":    drift,
			"repaired": repaired,
		})
	}

	if len(drift) == 0 {
		fmt.Fprintln(out, "No drift: every project's actual spend matches its approved expenses.")
		return nil
	}

	tw := newTabWriter(out)
	fmt.Fprintln(tw, "PROJECT\tCACHED\tCOMPUTED\tDIFFERENCE")
	for _, d := range drift {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", d.ProjectID, d.Cached.StringFixed(2), d.Computed.StringFixed(2), d.Difference().StringFixed(2))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if repaired {
		fmt.Fprintf(out, "\nRepaired %d project(s).\n", len(drift))
	}
	return nil
}
