package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"isotope/internal/registry"
)

func newModelsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the model catalog and the current selection",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStores(cmd.Context(), opts, cmd.ErrOrStderr(), os.Getenv)
			if err != nil {
				return err
			}
			defer a.Close()
			selected := a.settings.Snapshot().Model
			cached, err := registry.ScanCache(a.cfg.HubCacheDir, a.cfg.HubRevision)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\tNAME\tREPOSITORY\tBACKEND\tCACHED")
			for _, e := range registry.All() {
				mark := ""
				if e.ID == selected {
					mark = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", mark, e.Name, e.Repo, e.Backend, cached[e.ID])
			}
			return tw.Flush()
		},
	}
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStores(cmd.Context(), opts, cmd.ErrOrStderr(), os.Getenv)
			if err != nil {
				return err
			}
			defer a.Close()
			list, err := a.sessions.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions yet.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tMESSAGES\tCREATED")
			for _, s := range list {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", s.ID, s.Name, s.MessageCount, s.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}
