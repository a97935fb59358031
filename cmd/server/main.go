package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"tubefetch/internal/config"
)

var version = "0.1.0"

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
	}

	app := &cli.Command{
		Name:    "tubefetch",
		Usage:   "Credit-metered media download service",
		Version: version,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return serve(ctx, cfg, logger)
		},
		Commands: []*cli.Command{
			serveCommand(cfg, logger),
			creditsCommand(cfg, logger),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logger.Fatalf("application error: %v", err)
	}
}
