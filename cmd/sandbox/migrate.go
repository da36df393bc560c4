package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-sandbox/cache"
	"github.com/wippyai/wasm-sandbox/migrate"
)

func newMigrateCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate <legacy-dir>",
		Short: "Move derived artifacts from a legacy directory into the cache",
		Long: `Move derived artifacts from a legacy directory into the cache.

Compiled modules, generated sources and integrity files are relocated;
documentation stays in place. Items already in the cache are skipped, so the
command can be re-run after a partial failure. Exit code 10 reports that some
items failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			m, err := migrate.New(e.Cache(), e,
				migrate.WithLogger(a.logger.Named("migrate")),
				migrate.WithMetrics(a.metrics),
				migrate.WithTracer(a.tracer))
			if err != nil {
				return err
			}
			plan, err := m.Run(ctx, args[0], dryRun)
			if err != nil {
				return err
			}
			if a.jsonOut {
				if err := writeJSON(a.stdout, map[string]any{"plan": plan, "summary": plan.Summary()}); err != nil {
					return err
				}
			} else {
				a.printPlan(plan)
			}
			if perr := plan.Err(); perr != nil {
				return &exitError{code: exitMigrationPartial, msg: perr.Error()}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the plan without changing anything")
	return cmd
}

func (a *app) printPlan(plan *migrate.Plan) {
	title := "migrate"
	if plan.DryRun {
		title = "migrate (dry run)"
	}
	fmt.Fprintln(a.stdout, paint(a.styled, titleStyle, title)+" "+plan.Root)
	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tPATH\tTARGET")
	for _, it := range plan.Items {
		rel, err := filepath.Rel(plan.Root, it.LegacyPath)
		if err != nil {
			rel = it.LegacyPath
		}
		target := fmt.Sprintf("%s/%s/%s", it.Namespace, it.Group, it.Name)
		if it.Key != "" && it.Namespace == cache.Modules {
			target = fmt.Sprintf("%s/%s", it.Namespace, it.Key.Encoded())
		}
		status := it.Status.String()
		if it.Status == migrate.Failed {
			status = paint(a.styled, errorStyle, status)
			target = it.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", status, rel, target)
	}
	_ = w.Flush()
	s := plan.Summary()
	fmt.Fprintf(a.stdout, "moved %d, skipped %d, failed %d, pending %d; %d documentation files left in place\n",
		s.Moved, s.Skipped, s.Failed, s.Pending, plan.Documents)
}
