package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/clichat/internal/session"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <legacy.json>",
		Short: "Import a legacy single-file session database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			store, err := e.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := session.ImportLegacy(cmd.Context(), store, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d users into %s store\n", n, e.cfg.Storage.Backend)
			return nil
		},
	}
}
