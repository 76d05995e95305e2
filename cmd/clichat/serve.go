package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/clichat/internal/agent"
	"github.com/ehrlich-b/clichat/internal/auth"
	"github.com/ehrlich-b/clichat/internal/chat"
	"github.com/ehrlich-b/clichat/internal/config"
	"github.com/ehrlich-b/clichat/internal/graph"
	"github.com/ehrlich-b/clichat/internal/pattern"
	"github.com/ehrlich-b/clichat/internal/prompttree"
	"github.com/ehrlich-b/clichat/internal/web"
)

func serveCmd(configPath *string) *cobra.Command {
	var addrFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer e.Close()
			cfg := e.cfg
			if addrFlag != "" {
				cfg.Server.Addr = addrFlag
			}

			store, err := e.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			bridge, err := e.openBridge()
			if err != nil {
				return err
			}
			cli := e.cli(bridge)

			patterns, err := pattern.Open(cfg.Storage.PromptsDir, cfg.Storage.PatternsFile, e.log)
			if err != nil {
				return err
			}

			users, err := auth.OpenUsers(cfg.Auth.UsersFile)
			if err != nil {
				return err
			}
			if len(users.Names()) == 0 {
				e.log.Warn("no users configured; add one with `clichat user add <name>`")
			}
			secret, err := auth.LoadOrCreateSecret(cfg.Auth.SecretFile, cfg.Auth.Secret)
			if err != nil {
				return err
			}
			passkeys, err := auth.NewPasskeys(users, auth.PasskeyConfig{
				RPID:          cfg.Auth.RPID,
				RPDisplayName: cfg.Auth.RPDisplayName,
				Origins:       cfg.Auth.Origins,
			})
			if err != nil {
				e.log.Warn("passkeys disabled", "err", err)
				passkeys = nil
			}

			orch := chat.New(bridge, store, chat.Options{
				Command:       cfg.Agent.Command,
				DefaultModel:  cfg.Chat.DefaultModel,
				Fallbacks:     cfg.Chat.Fallbacks,
				DefaultTools:  cfg.Chat.DefaultTools,
				WorkDir:       cfg.Agent.WorkDir,
				IncludeDirs:   cfg.Agent.IncludeDirs,
				Env:           agentEnv(cfg.Agent.Env),
				Yolo:          cfg.Agent.Yolo,
				UploadDir:     cfg.Storage.UploadsDir,
				UploadURL:     "/uploads",
				TruncateLimit: cfg.Chat.TruncateLimit,
				MaxAttempts:   cfg.Chat.MaxAttempts,
				Patterns:      patterns,
			}, e.log)

			srv := web.New(web.Deps{
				Chat:     orch,
				Graph:    graph.New(store, cli, agent.NewTranscripts(cfg.Agent.TranscriptsDir), users, e.log),
				Tree:     prompttree.New(orch, cfg.Chat.TreeModel),
				Patterns: patterns,
				Users:    users,
				Tokens:   auth.NewTokens(secret, cfg.Auth.TokenTTL),
				Passkeys: passkeys,
				Health:   cli.Health,
			}, web.Options{
				Heartbeat:      cfg.Server.Heartbeat,
				UploadsDir:     cfg.Storage.UploadsDir,
				MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
				SecureCookies:  strings.HasPrefix(cfg.Server.BaseURL, "https://"),
				LoginLimiter:   auth.NewRateLimiter(cfg.Auth.LoginRate, cfg.Auth.LoginBurst),
				ChatLimiter:    auth.NewRateLimiter(cfg.Auth.ChatRate, cfg.Auth.ChatBurst),
			}, e.log)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e.rt.OnReload(func(*config.Config) {
				if err := patterns.Reload(); err != nil {
					e.log.Warn("pattern reload failed", "err", err)
				}
			})
			if err := e.rt.Watch(ctx); err != nil {
				e.log.Warn("config hot reload disabled", "err", err)
			}
			if err := patterns.Watch(ctx); err != nil {
				e.log.Warn("pattern hot reload disabled", "err", err)
			}

			httpSrv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				e.log.Info("clichat listening", "addr", cfg.Server.Addr, "backend", bridge.Backend(), "store", cfg.Storage.Backend)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				e.log.Info("shutting down")
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := httpSrv.Shutdown(sctx); err != nil {
					return httpSrv.Close()
				}
				return nil
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("listen: %w", err)
			}
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// agentEnv layers configured KEY=VALUE pairs over the server's environment.
// Nil means inherit unchanged.
func agentEnv(extra []string) []string {
	if len(extra) == 0 {
		return nil
	}
	return append(os.Environ(), extra...)
}
