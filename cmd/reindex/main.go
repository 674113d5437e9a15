// Package main is the operator backfill tool: it recomputes chunk embeddings
// for one user, or fills in vectors for chunks an earlier import left
// unembedded.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/soulprintlabs/soulprint/internal/config"
	"github.com/soulprintlabs/soulprint/internal/embedding"
	"github.com/soulprintlabs/soulprint/internal/repository"
)

func main() {
	userID := flag.String("user", "", "user whose chunks to reindex (required)")
	force := flag.Bool("force", false, "recompute vectors even for chunks that already have one")
	flag.Parse()
	if *userID == "" {
		flag.Usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := repository.NewStore(ctx, cfg.DatabaseURL, "")
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer store.Close()

	embedder, err := embedding.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel)
	if err != nil {
		log.Fatalf("failed to create embedding client: %v", err)
	}
	indexer := embedding.NewIndexer(logger, embedder, store.Chunks)

	total, err := store.Chunks.CountByUser(ctx, *userID)
	if err != nil {
		log.Fatalf("failed to count chunks: %v", err)
	}

	var stats embedding.Stats
	if *force {
		stats, err = indexer.Reindex(ctx, *userID)
	} else {
		stats, err = indexer.IndexUser(ctx, *userID)
	}
	if err != nil {
		log.Fatalf("reindex failed after %d embedded: %v", stats.Embedded, err)
	}
	slog.Info("reindex finished", "user_id", *userID, "total_chunks", total,
		"embedded", stats.Embedded, "failed", stats.Failed, "forced", *force)
}
