package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/hyperengineering/muniplan/internal/config"
	"github.com/hyperengineering/muniplan/internal/types"
	"github.com/spf13/cobra"
)

var (
	outboxStatus     string
	outboxLimit      int
	outboxJSONOutput bool
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and replay task-completed event deliveries",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List outbox events by status",
	Args:  cobra.NoArgs,
	RunE:  runOutboxList,
}

var outboxReplayCmd = &cobra.Command{
	Use:   "replay <event-id>",
	Short: "Queue a failed event for delivery again",
	Long: "Resets the event to pending with a fresh retry budget. A running " +
		"server delivers it on its next outbox scan.",
	Args: cobra.ExactArgs(1),
	RunE: runOutboxReplay,
}

func init() {
	outboxListCmd.Flags().StringVar(&outboxStatus, "status", string(types.OutboxFailed), "Event status: pending, sent or failed")
	outboxListCmd.Flags().IntVar(&outboxLimit, "limit", 50, "Maximum number of events")
	outboxListCmd.Flags().BoolVar(&outboxJSONOutput, "json", false, "Output in JSON format")
	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxReplayCmd)
}

func parseOutboxStatus(s string) (types.OutboxStatus, error) {
	switch st := types.OutboxStatus(s); st {
	case types.OutboxPending, types.OutboxSent, types.OutboxFailed:
		return st, nil
	default:
		return "", fmt.Errorf("invalid outbox status %q: want pending, sent or failed", s)
	}
}

func runOutboxList(cmd *cobra.Command, args []string) error {
	status, err := parseOutboxStatus(outboxStatus)
	if err != nil {
		return err
	}
	if outboxLimit < 1 {
		return fmt.Errorf("--limit must be at least 1")
	}

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

	list, err := c.store.ListOutboxEvents(cmd.Context(), status, outboxLimit)
	if err != nil {
		return err
	}
	return writeOutboxEvents(cmd.OutOrStdout(), list, outboxJSONOutput)
}

func runOutboxReplay(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id < 1 {
		return fmt.Errorf("invalid event id %q", args[0])
	}

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

	if err := c.store.ReplayOutboxEvent(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Event %d queued for delivery.\n", id)
	return nil
}

func writeOutboxEvents(out io.Writer, list []types.OutboxEvent, asJSON bool) error {
	if asJSON {
		if list == nil {
			list = []types.OutboxEvent{}
		}
		return printJSON(out, map[string]any{"events": list})
	}

	if len(list) == 0 {
		fmt.Fprintln(out, "No events.")
		return nil
	}

	tw := newTabWriter(out)
	fmt.Fprintln(tw, "ID\tTASK\tSTATUS\tRETRIES\tLAST ERROR")
	for _, e := range list {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%s\n", e.ID, e.AggregateID, e.Status, e.RetryCount, e.LastError)
	}
	return tw.Flush()
}
