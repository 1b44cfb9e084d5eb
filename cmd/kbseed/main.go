// Command kbseed ingests a directory of text and markdown documents into
// the knowledge base. Run it once against a fresh deployment so search has
// corpus content before the first report exists; re-runs replace entries
// rather than duplicating them.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/fairyhunter13/deep-research/internal/adapter/ai/real"
	"github.com/fairyhunter13/deep-research/internal/adapter/ai/stub"
	"github.com/fairyhunter13/deep-research/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/deep-research/internal/config"
	"github.com/fairyhunter13/deep-research/internal/domain"
	"github.com/fairyhunter13/deep-research/internal/kbseed"
)

func main() {
	dir := flag.String("dir", "configs/kb", "directory of text/markdown documents to ingest")
	chunkTokens := flag.Int("chunk-tokens", 480, "max tokens per indexed chunk")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = pool.Ping(pingCtx)
		cancel()
	}
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool, cfg.VectorDim); err != nil {
		slog.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}

	var gateway domain.AIGateway
	if cfg.AIProvider == "real" {
		gateway = real.New(cfg)
	} else {
		gateway = stub.New(cfg.VectorDim)
	}

	start := time.Now()
	sum, err := kbseed.SeedDir(ctx, postgres.NewDocIndexRepo(pool), gateway, kbseed.Options{
		Dir:         *dir,
		TokenModel:  cfg.EmbeddingsModel,
		ChunkTokens: *chunkTokens,
	})
	if err != nil {
		slog.Error("seeding failed", slog.Any("error", err),
			slog.Int("files", sum.Files), slog.Int("chunks", sum.Chunks))
		os.Exit(1)
	}
	slog.Info("knowledge base seeded",
		slog.String("dir", *dir),
		slog.Int("files", sum.Files),
		slog.Int("chunks", sum.Chunks),
		slog.Int("skipped", sum.Skipped),
		slog.Duration("took", time.Since(start).Round(time.Millisecond)))
}
