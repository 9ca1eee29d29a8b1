package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/booru-crawler/internal/app"
	"github.com/JakeFAU/booru-crawler/internal/config"
	"github.com/JakeFAU/booru-crawler/internal/logging"
)

func newCrawlCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [tags...]",
		Short: "Crawl a board for the given tags",
		Long: `Searches the selected board for the given tags, newest first unless a
sort tag says otherwise, and persists every post that is not on disk yet.
With no tags the whole board is crawled.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, *cfgFile, args)
		},
	}

	f := cmd.Flags()
	f.String("site", "gelbooru", "board to crawl: gelbooru or yandere")
	f.StringP("site-url", "s", "", "base URL of the board, default to the public site")
	f.IntP("width", "W", 0, "resize images to this width; requires --height")
	f.IntP("height", "H", 0, "resize images to this height; requires --width")
	f.StringP("format", "f", "", "re-encode images as png or jpeg")
	f.BoolP("low-quality", "l", false, "download the sample instead of the original image")
	f.IntP("min-tags", "t", 0, "skip posts with fewer tags")
	f.IntP("max-items", "m", 0, "stop after persisting this many posts; approximate, 0 is unlimited")
	f.BoolP("continuous", "c", false, "keep crawling past the board's search depth cap by narrowing the query")
	return cmd
}

func runCrawl(cmd *cobra.Command, cfgFile string, args []string) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(args) > 0 {
		cfg.Crawl.Tags = args
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	zap.ReplaceGlobals(logger)

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		if errors.Is(err, app.ErrConfig) {
			return err
		}
		return fmt.Errorf("initialize crawl: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("close failed", zap.Error(cerr))
		}
	}()

	signals := make(chan os.Signal, 3)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	res, runErr := a.Run(ctx, signals)
	fields := []zap.Field{
		zap.String("reason", string(res.Reason)),
		zap.Int("pages", res.Pages),
		zap.Int64("persisted", res.Persisted),
		zap.String("query", a.Query().String()),
	}
	code := app.ExitCode(res, runErr)
	if runErr != nil {
		logger.Error("crawl failed", append(fields, zap.Error(runErr))...)
	} else {
		logger.Info("done", fields...)
	}
	if code != 0 {
		return &exitError{code: code, err: runErr}
	}
	return nil
}
