package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-sandbox/errors"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the artifact cache",
	}

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.InvalidInput(errors.PhaseCache, "refusing to clear the cache without --yes")
			}
			c, err := a.openCache()
			if err != nil {
				return err
			}
			if err := c.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "cleared %s\n", c.Root())
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show entry counts and sizes per namespace",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				c, err := a.openCache()
				if err != nil {
					return err
				}
				st, err := c.Stats()
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(a.stdout, st)
				}
				fmt.Fprintln(a.stdout, paint(a.styled, titleStyle, "cache")+" "+st.Root)
				w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAMESPACE\tENTRIES\tSIZE")
				for _, ns := range st.Namespaces {
					fmt.Fprintf(w, "%s\t%d\t%s\n", ns.Namespace, ns.Entries, humanBytes(ns.Bytes))
				}
				fmt.Fprintf(w, "total\t\t%s\n", humanBytes(st.TotalBytes()))
				return w.Flush()
			},
		},
		clearCmd,
		&cobra.Command{
			Use:   "verify",
			Short: "Re-hash every entry and evict corrupt or orphaned ones",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				c, err := a.openCache()
				if err != nil {
					return err
				}
				rep, err := c.Verify(cmd.Context())
				if err != nil {
					return err
				}
				if a.jsonOut {
					if err := writeJSON(a.stdout, rep); err != nil {
						return err
					}
				} else {
					fmt.Fprintf(a.stdout, "checked %d entries: %d corrupt, %d orphaned, %d stale staging files\n",
						rep.Checked, len(rep.Corrupt), len(rep.Orphaned), len(rep.Stale))
					for _, p := range rep.Corrupt {
						fmt.Fprintln(a.stdout, paint(a.styled, errorStyle, "  corrupt  "+p))
					}
					for _, p := range rep.Orphaned {
						fmt.Fprintln(a.stdout, "  orphaned "+p)
					}
				}
				if len(rep.Corrupt) > 0 {
					return &exitError{code: exitCacheCorruption, msg: fmt.Sprintf("evicted %d corrupt entries", len(rep.Corrupt))}
				}
				return nil
			},
		},
	)
	return cmd
}
