package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/poiesic/mailvec/api"
	"github.com/poiesic/mailvec/ingestion"
	"github.com/poiesic/mailvec/search"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the JSON HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (default from config)",
			},
			&cli.StringFlag{
				Name:  "watch",
				Usage: "Collection file to ingest on start and re-ingest whenever it changes",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg := getConfig(c)
	addr := cfg.Server.Addr
	if c.IsSet("addr") {
		addr = c.String("addr")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	pipeline, err := db.NewIngestionPipeline(pipelineOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	defer pipeline.Release()

	searcher, err := db.NewSearcher(search.WithDefaultK(cfg.Search.DefaultK))
	if err != nil {
		return fmt.Errorf("failed to create searcher: %w", err)
	}

	server, err := api.NewServer(searcher,
		api.WithPipeline(pipeline),
		api.WithHealth(db),
		api.WithLogger(slog.Default()))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, addr)
	})

	if path := c.String("watch"); path != "" {
		ingest := func(ctx context.Context) error {
			result, err := pipeline.IngestFile(ctx, path, ingestion.ModeAuto)
			if err != nil {
				return err
			}
			slog.Info("ingested", "path", path, "new", result.NewDocuments, "conversations", result.Conversations)
			return nil
		}
		// A bad initial file is not fatal; the next change retries it.
		if err := ingest(gctx); err != nil {
			slog.Warn("initial ingestion failed", "path", path, "err", err)
		}
		g.Go(func() error {
			return ingestion.Watch(gctx, path, cfg.GetWatchDebounce(), ingest, slog.Default())
		})
	}

	return g.Wait()
}
