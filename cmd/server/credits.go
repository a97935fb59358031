package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"tubefetch/internal/config"
	"tubefetch/internal/domain"
	"tubefetch/internal/ledger"
	"tubefetch/internal/repository/sqlite"
)

func creditsCommand(cfg config.Config, logger *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:  "credits",
		Usage: "Inspect and adjust credit balances",
		Commands: []*cli.Command{
			{
				Name:  "grant",
				Usage: "Credit purchased credits to an account",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "account", Usage: "Account (user) id", Required: true},
					&cli.Int64Flag{Name: "amount", Usage: "Credits to add", Required: true},
					&cli.StringFlag{Name: "note", Usage: "Transaction description", Value: "credit purchase"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return grantCredits(ctx, cfg, logger, cmd.Int64("account"), cmd.Int64("amount"), cmd.String("note"))
				},
			},
			{
				Name:  "estimate",
				Usage: "Print the credit cost of a download",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "quality", Value: domain.DefaultQuality},
					&cli.BoolFlag{Name: "audio-only"},
					&cli.StringFlag{Name: "audio-quality", Value: domain.DefaultAudioBitrate},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					bitrate, err := domain.NormalizeBitrate(cmd.String("audio-quality"))
					if err != nil {
						return err
					}
					opts := domain.Options{
						Quality:      strings.ToLower(cmd.String("quality")),
						AudioOnly:    cmd.Bool("audio-only"),
						AudioBitrate: bitrate,
					}
					fmt.Println(ledger.Estimate(opts))
					return nil
				},
			},
		},
	}
}

func grantCredits(ctx context.Context, cfg config.Config, logger *logrus.Logger, accountID, amount int64, note string) error {
	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	repo := sqlite.NewLedgerRepository(db)
	if err := repo.Init(ctx); err != nil {
		return fmt.Errorf("init ledger repository: %w", err)
	}

	credits := ledger.NewService(repo, logger)
	txn, err := credits.Purchase(ctx, accountID, amount, note)
	if err != nil {
		return fmt.Errorf("grant credits: %w", err)
	}
	logger.Infof("account %d credited %d, balance now %d", accountID, amount, txn.BalanceAfter)
	return nil
}
