package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/clichat/internal/agent"
	"github.com/ehrlich-b/clichat/internal/config"
	"github.com/ehrlich-b/clichat/internal/logger"
	"github.com/ehrlich-b/clichat/internal/session"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:           "clichat",
		Short:         "Web chat front-end for an agent CLI",
		Long:          "Serves a multi-user chat UI that drives an agent CLI one process per turn, with session history, forks, sharing and a prompt library.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file")

	root.AddCommand(
		serveCmd(&configPath),
		userCmd(&configPath),
		sessionsCmd(&configPath),
		patternsCmd(&configPath),
		migrateCmd(&configPath),
		doctorCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env is what every subcommand starts from.
type env struct {
	rt       *config.Runtime
	cfg      *config.Config
	log      *slog.Logger
	closeLog io.Closer
}

func setup(path string) (*env, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log, level, closer, err := logger.New(os.Stderr, cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &env{
		rt:       config.NewRuntime(path, cfg, log, level),
		cfg:      cfg,
		log:      log,
		closeLog: closer,
	}, nil
}

func (e *env) Close() error { return e.closeLog.Close() }

func (e *env) openStore() (session.Store, error) {
	if err := config.EnsureDirs(e.cfg); err != nil {
		return nil, fmt.Errorf("create data dirs: %w", err)
	}
	return session.Open(e.cfg.Storage.Backend, e.cfg.Storage.DataDir)
}

func (e *env) openBridge() (agent.Bridge, error) {
	backend, err := agent.ParseBackend(e.cfg.Agent.Backend)
	if err != nil {
		return nil, err
	}
	return agent.NewBridge(backend, e.log)
}

func (e *env) cli(bridge agent.Bridge) *agent.CLI {
	return agent.NewCLI(bridge, e.cfg.Agent.Command, e.cfg.Agent.WorkDir, agentEnv(e.cfg.Agent.Env), e.log)
}
