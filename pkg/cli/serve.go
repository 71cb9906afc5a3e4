package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ytchat/pkg/server"
	"github.com/m-mizutani/ytchat/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	var cfg config

	flags := []cli.Flag{sourcesFlag(&cfg)}
	flags = append(flags, serverFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, ragFlags(&cfg)...)
	flags = append(flags, sessionFlags(&cfg)...)
	flags = append(flags, persistFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := cfg.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if _, err := a.manager.Restore(ctx); err != nil {
				return goerr.Wrap(err, "failed to restore sessions")
			}

			go a.store.Run(ctx)

			srv := server.New(a.manager,
				server.WithAllowOrigins(cfg.allowOrigins...),
				server.WithSources(cfg.showSources),
			)

			logging.From(ctx).Info("starting server",
				"addr", cfg.addr,
				"gemini_model", cfg.generativeModel,
				"embedding_model", cfg.embeddingModel,
				"idle_ttl", cfg.idleTTL,
				"max_sessions", cfg.maxSessions,
			)
			if err := srv.Run(ctx, cfg.addr); err != nil {
				return goerr.Wrap(err, "server stopped with error")
			}
			return nil
		},
	}
}
