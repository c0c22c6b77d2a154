package main

import (
	"fmt"
	"time"

	"github.com/poiesic/mailvec/reembed"
	"github.com/urfave/cli/v2"
)

func reembedCommand() *cli.Command {
	return &cli.Command{
		Name:   "reembed",
		Usage:  "Re-encode every stored email with the configured embedder and rebuild conversation aggregates",
		Action: reembedAction,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Number of emails to process in each batch",
				Value: 100,
			},
			&cli.IntFlag{
				Name:  "report-interval",
				Usage: "Report progress every N emails",
				Value: 100,
			},
			&cli.IntFlag{
				Name:  "max-retries",
				Usage: "Maximum retry attempts for failed operations",
				Value: 3,
			},
			&cli.DurationFlag{
				Name:  "retry-delay",
				Usage: "Base delay for exponential backoff",
				Value: 1 * time.Second,
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Number of batches embedded concurrently",
				Value: 1,
			},
		},
	}
}

func reembedAction(c *cli.Context) error {
	// Create reembedding config
	reembedConfig := &reembed.Config{
		BatchSize:      c.Int("batch-size"),
		ReportInterval: c.Int("report-interval"),
		MaxRetries:     c.Int("max-retries"),
		RetryDelay:     c.Duration("retry-delay"),
		Workers:        c.Int("workers"),
	}

	// Validate config
	if reembedConfig.BatchSize <= 0 {
		return fmt.Errorf("batch-size must be greater than 0")
	}
	if reembedConfig.ReportInterval <= 0 {
		return fmt.Errorf("report-interval must be greater than 0")
	}
	if reembedConfig.MaxRetries <= 0 {
		return fmt.Errorf("max-retries must be greater than 0")
	}
	if reembedConfig.Workers <= 0 {
		return fmt.Errorf("workers must be greater than 0")
	}

	cfg := getConfig(c)
	db, err := openDatabase(c.Context, cfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	reembedder := db.NewReembedder(reembedConfig, c.App.ErrWriter)

	// Run reembedding
	w := c.App.ErrWriter
	fmt.Fprintf(w, "Database: %s (%s)\n", cfg.Store.Path, cfg.Store.Driver)
	fmt.Fprintf(w, "Embedding host: %s\n", cfg.Embedding.Host)
	fmt.Fprintf(w, "Embedding model: %s\n", cfg.Embedding.Model)
	fmt.Fprintln(w)

	if err := reembedder.Run(c.Context); err != nil {
		return fmt.Errorf("reembedding failed: %w", err)
	}

	return nil
}
