// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/poiesic/mailvec"
	"github.com/poiesic/mailvec/config"
	"github.com/poiesic/mailvec/ingestion"
	"github.com/poiesic/mailvec/search"
	"github.com/poiesic/mailvec/storage"
	"github.com/urfave/cli/v2"
)

const configKey = "config"

// openDatabase opens the database described by cfg. Tests replace it to
// inject a mock embedding provider.
var openDatabase = func(ctx context.Context, cfg *config.Config) (*mailvec.Database, error) {
	location := cfg.Store.Path
	if cfg.Store.Driver == config.DriverPostgres {
		location = cfg.Store.DSN
	}
	return mailvec.OpenDatabase(ctx, location,
		mailvec.WithDriver(cfg.Store.Driver),
		mailvec.WithAIConfig(cfg.AIConfig()),
		mailvec.WithStoreOptions(storage.WithConnectRetry(cfg.Store.ConnectAttempts, cfg.GetConnectDelay())),
		mailvec.WithLogger(slog.Default()),
	)
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "mailvec",
		Usage: "Semantic search over email conversations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error); overrides the config file",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
				Value:   "mailvec.yaml",
				EnvVars: []string{"MAILVEC_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Dotenv file loaded before the config",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "driver",
				Usage: "Store driver (badger, sqlite, postgres)",
			},
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Usage:   "Store location: directory (badger), file (sqlite) or DSN (postgres)",
			},
			&cli.StringFlag{
				Name:  "embedding-host",
				Usage: "Embedding service host URL",
			},
			&cli.StringFlag{
				Name:  "embedding-model",
				Usage: "Embedding model name",
			},
		},
		Before: func(c *cli.Context) error {
			if err := loadConfig(c); err != nil {
				return err
			}
			return setupLogger(c)
		},
		Commands: []*cli.Command{
			ingestCommand(),
			searchCommand(),
			conversationsCommand(),
			healthCommand(),
			reembedCommand(),
			serveCommand(),
		},
	}
}

// loadConfig reads the dotenv file, the YAML config and the global flag
// overrides, in increasing precedence.
func loadConfig(c *cli.Context) error {
	if err := godotenv.Load(c.String("env-file")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	if c.IsSet("driver") {
		cfg.Store.Driver = c.String("driver")
	}
	if c.IsSet("db") {
		if cfg.Store.Driver == config.DriverPostgres {
			cfg.Store.DSN = c.String("db")
		} else {
			cfg.Store.Path = c.String("db")
		}
	}
	if c.IsSet("embedding-host") {
		cfg.Embedding.Host = c.String("embedding-host")
	}
	if c.IsSet("embedding-model") {
		cfg.Embedding.Model = c.String("embedding-model")
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if c.App.Metadata == nil {
		c.App.Metadata = map[string]any{}
	}
	c.App.Metadata[configKey] = cfg
	return nil
}

func getConfig(c *cli.Context) *config.Config {
	if cfg, ok := c.App.Metadata[configKey].(*config.Config); ok {
		return cfg
	}
	return config.DefaultConfig()
}

func pipelineOptions(cfg *config.Config) []ingestion.Option {
	opts := []ingestion.Option{
		ingestion.WithBatchSize(cfg.Ingestion.BatchSize),
		ingestion.WithDimension(cfg.Embedding.Dimension),
		ingestion.WithRetry(cfg.Ingestion.MaxRetries, cfg.GetRetryDelay()),
	}
	if cfg.Ingestion.Workers > 0 {
		opts = append(opts, ingestion.WithPoolSize(cfg.Ingestion.Workers))
	}
	return opts
}

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "Load an email collection, embed new emails and update conversation aggregates",
		ArgsUsage: "<file.json>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "mode",
				Usage: "create, update or auto (create on an empty store, update otherwise)",
				Value: string(ingestion.ModeAuto),
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("exactly one input file is required")
			}
			mode, err := ingestion.ParseMode(c.String("mode"))
			if err != nil {
				return err
			}

			cfg := getConfig(c)
			db, err := openDatabase(c.Context, cfg)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			pipeline, err := db.NewIngestionPipeline(pipelineOptions(cfg)...)
			if err != nil {
				return fmt.Errorf("failed to create pipeline: %w", err)
			}
			defer pipeline.Release()

			result, err := pipeline.IngestFile(c.Context, c.Args().First(), mode)
			if err != nil {
				return fmt.Errorf("ingestion failed: %w", err)
			}

			w := c.App.ErrWriter
			fmt.Fprintf(w, "Mode: %s\n", result.Mode)
			fmt.Fprintf(w, "Candidates: %d\n", result.Candidates)
			fmt.Fprintf(w, "New documents: %d\n", result.NewDocuments)
			fmt.Fprintf(w, "Conversations updated: %d\n", result.Conversations)
			fmt.Fprintf(w, "Batches: %d\n", result.Batches)
			if result.EncodeFailures > 0 {
				fmt.Fprintf(w, "Encode failures (stored with zero vectors): %d\n", result.EncodeFailures)
			}
			fmt.Fprintf(w, "Elapsed: %v\n", result.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Rank emails (or conversations) by similarity to a query",
		ArgsUsage: "<query>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "k",
				Usage: "Number of results (default from config)",
			},
			&cli.BoolFlag{
				Name:  "conversations",
				Usage: "Rank conversations instead of individual emails",
			},
		},
		Action: func(c *cli.Context) error {
			query := strings.Join(c.Args().Slice(), " ")
			cfg := getConfig(c)
			k := cfg.Search.DefaultK
			if c.IsSet("k") {
				k = c.Int("k")
			}

			db, err := openDatabase(c.Context, cfg)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			searcher, err := db.NewSearcher(search.WithDefaultK(cfg.Search.DefaultK))
			if err != nil {
				return fmt.Errorf("failed to create searcher: %w", err)
			}

			w := c.App.Writer
			if c.Bool("conversations") {
				results, err := searcher.SearchConversations(c.Context, query, k)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "Found %d conversations\n", len(results))
				for i, hit := range results {
					fmt.Fprintf(w, "%d. [%0.3f] %s (%d emails)\n", i+1, hit.Score, hit.Aggregate.ConversationID, hit.Aggregate.EmailCount)
				}
				return nil
			}

			var monitor search.SearchMonitor
			if slog.Default().Enabled(c.Context, slog.LevelDebug) {
				monitor = newLogMonitor(slog.Default())
			}
			results, err := searcher.SearchWithMonitor(c.Context, query, k, monitor)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "Found %d hits\n", len(results))
			for i, hit := range results {
				doc := hit.Document
				fmt.Fprintf(w, "%d. [%0.3f] %s %s <%s> %q\n", i+1, hit.Score, doc.ID, formatDate(doc.Timestamp), doc.Sender, doc.Subject)
			}
			return nil
		},
	}
}

func conversationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "conversations",
		Usage: "List every conversation with its emails ordered by date",
		Action: func(c *cli.Context) error {
			db, err := openDatabase(c.Context, getConfig(c))
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			searcher, err := db.NewSearcher()
			if err != nil {
				return fmt.Errorf("failed to create searcher: %w", err)
			}
			threads, err := searcher.ListConversations(c.Context)
			if err != nil {
				return err
			}

			w := c.App.Writer
			for _, thread := range threads {
				id := thread.ConversationID
				if id == "" {
					id = "(no conversation)"
				}
				fmt.Fprintf(w, "%s (%d emails)\n", id, len(thread.Documents))
				for _, doc := range thread.Documents {
					fmt.Fprintf(w, "  %s %s <%s> %q\n", formatDate(doc.Timestamp), doc.ID, doc.Sender, doc.Subject)
				}
			}
			return nil
		},
	}
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check that the store is reachable and report its state",
		Action: func(c *cli.Context) error {
			db, err := openDatabase(c.Context, getConfig(c))
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			report, err := db.Health(c.Context)
			if err != nil {
				return err
			}
			if !report.Healthy() {
				return fmt.Errorf("store unavailable: %w", report.StoreErr)
			}

			w := c.App.Writer
			fmt.Fprintln(w, "Store: ok")
			fmt.Fprintf(w, "Documents: %d\n", report.Documents)
			fmt.Fprintf(w, "Generation: %d\n", report.Generation)
			return nil
		},
	}
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "(no date)"
	}
	return t.Format(time.RFC3339)
}

func setupLogger(c *cli.Context) error {
	// Get log level from config and normalize to lowercase
	levelStr := strings.ToLower(getConfig(c).Logging.Level)

	// Map string to slog.Level
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	// Configure slog with the specified level
	logger := slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
