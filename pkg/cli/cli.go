package cli

import (
	"context"

	"github.com/m-mizutani/ytchat/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	var logCfg logConfig

	cmd := &cli.Command{
		Name:  "ytchat",
		Usage: "Chat with a YouTube video using its transcript",
		Flags: loggingFlags(&logCfg),
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			return logCfg.setup(ctx)
		},
		Commands: []*cli.Command{
			serveCommand(),
			chatCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		logging.From(ctx).Error("command failed", "error", err)
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}
