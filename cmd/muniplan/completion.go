package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/hyperengineering/muniplan/internal/completion"
	"github.com/hyperengineering/muniplan/internal/config"
	"github.com/spf13/cobra"
)

var (
	recomputeAll         bool
	completionJSONOutput bool
)

var completionCmd = &cobra.Command{
	Use:   "completion",
	Short: "Inspect and recompute project completion",
}

var completionRecomputeCmd = &cobra.Command{
	Use:   "recompute [project-id]",
	Short: "Recompute completion for one project, or all with --all",
	Args: func(cmd *cobra.Command, args []string) error {
		if recomputeAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: runCompletionRecompute,
}

var completionCatalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Show the stage weights in effect",
	Args:  cobra.NoArgs,
	RunE:  runCompletionCatalog,
}

func init() {
	completionRecomputeCmd.Flags().BoolVar(&recomputeAll, "all", false, "Recompute every project")
	completionCmd.PersistentFlags().BoolVar(&completionJSONOutput, "json", false, "Output in JSON format")
	completionCmd.AddCommand(completionRecomputeCmd)
	completionCmd.AddCommand(completionCatalogCmd)
}

func runCompletionRecompute(cmd *cobra.Command, args []string) error {
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

	out := cmd.OutOrStdout()
	if recomputeAll {
		n, err := c.completion.RecomputeAll(cmd.Context())
		if err != nil {
			return fmt.Errorf("recomputed %d project(s) before failing: %w", n, err)
		}
		if completionJSONOutput {
			return printJSON(out, map[string]any{"recomputed": n})
		}
		fmt.Fprintf(out, "Recomputed %d project(s).\n", n)
		return nil
	}

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid project id %q", args[0])
	}
	pct, err := c.completion.RecomputeCompletion(cmd.Context(), id)
	if err != nil {
		return err
	}
	if completionJSONOutput {
		return printJSON(out, map[string]any{"project_id": id, "completion": pct})
	}
	fmt.Fprintf(out, "Project %d: %d%%\n", id, pct)
	return nil
}

func runCompletionCatalog(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadForTooling()
	if err != nil {
		return err
	}
	policy, err := completion.ParseTriggerPolicy(cfg.Completion.Trigger)
	if err != nil {
		return err
	}
	catalog := completion.DefaultCatalog().Merge(cfg.Completion.Weights)
	return writeCatalog(cmd.OutOrStdout(), catalog, policy, completionJSONOutput)
}

func writeCatalog(out io.Writer, c completion.Catalog, policy completion.TriggerPolicy, asJSON bool) error {
	if asJSON {
		return printJSON(out, map[string]any{
			"stages":  c.Stages(),
			"total":   c.Total(),
			"trigger": policy,
		})
	}

	tw := newTabWriter(out)
	fmt.Fprintln(tw, "STAGE\tWEIGHT")
	for _, s := range c.Stages() {
		fmt.Fprintf(tw, "%s\t%d\n", s.Name, s.Weight)
	}
	fmt.Fprintf(tw, "TOTAL\t%d\n", c.Total())
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nTrigger: %s\n", policy)
	return nil
}
