package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/clichat/internal/pattern"
)

func patternsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns [name]",
		Short: "List prompt patterns, or print one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()
			lib, err := pattern.Open(e.cfg.Storage.PromptsDir, e.cfg.Storage.PatternsFile, e.log)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				body, ok := lib.Lookup(args[0])
				if !ok {
					return fmt.Errorf("pattern %q not found", args[0])
				}
				fmt.Fprintln(out, body)
				return nil
			}
			for _, p := range lib.List() {
				fmt.Fprintf(out, "%-30s %-10s %s\n", p.Name, p.Source, p.Description)
			}
			return nil
		},
	}
	return cmd
}
