// Package main boots the soulprint service: the HTTP surface, the import
// worker, the recovery sweep, and the quality refinement loop.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soulprintlabs/soulprint/internal/blob"
	"github.com/soulprintlabs/soulprint/internal/chunker"
	"github.com/soulprintlabs/soulprint/internal/config"
	"github.com/soulprintlabs/soulprint/internal/embedding"
	"github.com/soulprintlabs/soulprint/internal/llm"
	"github.com/soulprintlabs/soulprint/internal/orchestrator"
	"github.com/soulprintlabs/soulprint/internal/quality"
	"github.com/soulprintlabs/soulprint/internal/repository"
	"github.com/soulprintlabs/soulprint/internal/retrieval"
	"github.com/soulprintlabs/soulprint/internal/server"
	"github.com/soulprintlabs/soulprint/internal/synthesis"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()
	slog.Info("configuration loaded",
		"provider", cfg.LLMProvider, "model", cfg.LLMModel, "embedding_model", cfg.EmbeddingModel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := repository.NewStore(ctx, cfg.DatabaseURL, cfg.ReadDatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer store.Close()

	blobs, err := blob.NewGCSStore(ctx, logger, cfg.ArchiveBucket)
	if err != nil {
		log.Fatalf("failed to open archive bucket: %v", err)
	}

	completer, err := newCompleter(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to create completion client: %v", err)
	}
	completer = llm.WithRetry(completer, logger)

	embedder, err := embedding.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel)
	if err != nil {
		log.Fatalf("failed to create embedding client: %v", err)
	}

	engine := synthesis.NewEngine(logger, completer, cfg.LLMModel,
		store.Profiles, store.Chunks, cfg.FullPassConcurrency, cfg.ChunkRetryLimit)
	indexer := embedding.NewIndexer(logger, embedder, store.Chunks)
	ck := chunker.New(logger, chunker.Config{})

	pipeline := orchestrator.NewPipeline(logger, blobs,
		store.Jobs, store.Conversations, store.Chunks, store.Profiles,
		ck, engine, indexer, cfg.QuickSampleSize)
	worker := orchestrator.NewWorker(logger, store.Jobs, pipeline, cfg.WorkerPollInterval, cfg.JobAttemptLimit)
	go worker.Run(ctx)
	go worker.RunSweeper(ctx, cfg.SweepInterval, cfg.StaleAfter)

	refiner := quality.NewRefiner(logger, completer, cfg.JudgeModel,
		store.Profiles, store.Quality, engine, cfg.QualityThreshold)
	go refiner.Run(ctx, cfg.RefineInterval)

	retriever := retrieval.NewEngine(logger, embedder, store.ReadChunks, cfg.TopK, cfg.SimilarityThreshold)
	contexts := retrieval.NewContextBuilder(retriever, cfg.MaxContextChunks)

	srv := server.New(logger, blobs, store.Jobs, store.ReadProfiles, store.Quality, contexts, cfg.AllowSupersede)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown failed", "error", err)
		}
	}()

	slog.Info("soulprint service listening", "addr", cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	slog.Info("service shutdown complete")
}

func newCompleter(ctx context.Context, cfg config.Config) (llm.Completer, error) {
	if cfg.LLMProvider == "gemini" {
		return llm.NewGeminiCompleter(ctx, cfg.GoogleAPIKey)
	}
	return llm.NewOpenAICompleter(cfg.OpenAIAPIKey)
}
