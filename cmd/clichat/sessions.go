package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/clichat/internal/agent"
	"github.com/ehrlich-b/clichat/internal/graph"
)

func sessionsCmd(configPath *string) *cobra.Command {
	var (
		limitFlag int
		tagsFlag  []string
	)
	cmd := &cobra.Command{
		Use:   "sessions <user>",
		Short: "List a user's chat sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()
			store, err := e.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			bridge, err := e.openBridge()
			if err != nil {
				return err
			}
			g := graph.New(store, e.cli(bridge), agent.NewTranscripts(e.cfg.Agent.TranscriptsDir), nil, e.log)

			page, err := g.GetUserSessions(context.Background(), args[0], graph.ListOptions{Limit: limitFlag, Tags: tagsFlag})
			if err != nil {
				return err
			}
			printSessions(cmd.OutOrStdout(), page)
			return nil
		},
	}
	cmd.Flags().IntVar(&limitFlag, "limit", 0, "max history entries (0 = all)")
	cmd.Flags().StringSliceVar(&tagsFlag, "tag", nil, "only sessions carrying these tags")
	return cmd
}

func printSessions(w io.Writer, page *graph.SessionPage) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tTITLE\tTIME\tTAGS")
	row := func(mark string, e graph.Entry) {
		if e.Active {
			mark += "*"
		}
		title := e.Title
		if e.Forks > 0 {
			title = fmt.Sprintf("%s (+%d forks)", title, e.Forks)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", mark, e.ID, title, e.Time, strings.Join(e.Tags, ","))
	}
	for _, e := range page.Pinned {
		row("P", e)
	}
	for _, e := range page.History {
		row("", e)
	}
	tw.Flush()
	if page.HasMore {
		fmt.Fprintf(w, "... %d more\n", page.TotalUnpinned-len(page.History))
	}
}
