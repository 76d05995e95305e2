package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/clichat/internal/auth"
)

// converters are optional tools used for uploads.
var converters = []struct {
	cmd     string
	enables string
}{
	{"pandoc", "odt/rtf/pptx/epub/html uploads"},
	{"gs", "PDF compression"},
}

func doctorCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the agent CLI, pipe backend and data directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()
			cfg := e.cfg
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "clichat doctor")
			fmt.Fprintf(out, "  config       %s\n", e.rt.Path())
			fmt.Fprintln(out)

			fmt.Fprintln(out, "Agent:")
			path, err := exec.LookPath(cfg.Agent.Command)
			if err != nil {
				fmt.Fprintf(out, "  %-12s not found\n", cfg.Agent.Command)
			} else {
				fmt.Fprintf(out, "  %-12s %s\n", cfg.Agent.Command, path)
			}
			bridge, err := e.openBridge()
			if err != nil {
				fmt.Fprintf(out, "  %-12s %v\n", "backend", err)
			} else {
				fmt.Fprintf(out, "  %-12s %s\n", "backend", bridge.Backend())
				ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
				version, err := e.cli(bridge).Health(ctx)
				cancel()
				if err != nil {
					fmt.Fprintf(out, "  %-12s %v\n", "health", err)
				} else {
					fmt.Fprintf(out, "  %-12s %s\n", "version", version)
				}
			}
			fmt.Fprintln(out)

			fmt.Fprintln(out, "Converters:")
			for _, c := range converters {
				if p, err := exec.LookPath(c.cmd); err != nil {
					fmt.Fprintf(out, "  %-12s not found (%s disabled)\n", c.cmd, c.enables)
				} else {
					fmt.Fprintf(out, "  %-12s %s\n", c.cmd, p)
				}
			}
			fmt.Fprintln(out)

			fmt.Fprintln(out, "Storage:")
			for _, dir := range []string{cfg.Storage.DataDir, cfg.Storage.UploadsDir, cfg.Storage.PromptsDir, cfg.Agent.TranscriptsDir} {
				status := "ok"
				if info, err := os.Stat(dir); err != nil {
					status = "missing"
				} else if !info.IsDir() {
					status = "not a directory"
				}
				fmt.Fprintf(out, "  %-40s %s\n", dir, status)
			}
			users, err := auth.OpenUsers(cfg.Auth.UsersFile)
			if err != nil {
				fmt.Fprintf(out, "  users        %v\n", err)
			} else {
				fmt.Fprintf(out, "  users        %d\n", len(users.Names()))
			}
			return nil
		},
	}
}
