package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-sandbox/limits"
)

func newProfilesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "Show the resolved limits of every security profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.cfg.Resolver()
			if err != nil {
				return err
			}
			type row struct {
				Profile   limits.Profile `json:"profile"`
				Memory    uint64         `json:"memory_bytes"`
				Timeout   string         `json:"timeout"`
				HostCalls uint32         `json:"host_calls"`
				Default   bool           `json:"default"`
			}
			def, err := limits.ParseProfile(a.cfg.DefaultProfile)
			if err != nil {
				return err
			}
			var rows []row
			for _, p := range limits.Profiles() {
				l, err := r.Profile(p)
				if err != nil {
					return err
				}
				rows = append(rows, row{Profile: p, Memory: l.MemoryBytes(), Timeout: l.Deadline().String(), HostCalls: l.HostCallBudget(), Default: p == def})
			}
			if a.jsonOut {
				return writeJSON(a.stdout, rows)
			}
			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROFILE\tMEMORY\tTIMEOUT\tHOST CALLS")
			for _, rw := range rows {
				name := string(rw.Profile)
				if rw.Default {
					name += " *"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", name, humanBytes(int64(rw.Memory)), rw.Timeout, rw.HostCalls)
			}
			fmt.Fprintf(w, "\nceiling: %s\n", humanBytes(int64(r.Ceiling())))
			return w.Flush()
		},
	}
}
