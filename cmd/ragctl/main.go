// Package main implements ragctl, an admin CLI operating directly on the
// vector store and model endpoints configured for ragd.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/knoguchi/medrag/internal/config"
	"github.com/knoguchi/medrag/internal/embedder"
	"github.com/knoguchi/medrag/internal/reranker"
	"github.com/knoguchi/medrag/internal/retrieval"
	"github.com/knoguchi/medrag/internal/vectorstore"
)

var (
	version = "dev"

	outputJSON bool
	verbose    bool

	cfg *config.Config
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ragctl",
	Short: "Administer the fan-out retrieval collections",
	Long: `ragctl manages the summary and per-document chunk collections used by
ragd, and runs searches, fan-out retrieval and reranking from the shell.

Configuration is read from the environment and .env, as for ragd.

Examples:
  ragctl collections list
  ragctl ingest report_a.json
  ragctl retrieve -q "pleural effusion" --rerank --top-n 3`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
}

func openStore(ctx context.Context) (vectorstore.Store, error) {
	store, err := vectorstore.NewStore(ctx, cfg, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}
	return store, nil
}

func newEmbedder() embedder.Embedder {
	return embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{
		BaseURL:   cfg.ModelURL,
		APIKey:    cfg.APIKey,
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.VectorSize,
		Timeout:   cfg.RequestTimeout,
	})
}

func newReranker() *reranker.HTTPReranker {
	return reranker.NewHTTPReranker(cfg.RerankBaseURL(), cfg.APIKey,
		reranker.WithModel(cfg.RerankModel),
		reranker.WithDefaultTopN(cfg.RerankTopN),
		reranker.WithTimeout(cfg.RequestTimeout),
	)
}

func naming() retrieval.Naming {
	return retrieval.Naming{Namespace: cfg.CollectionNS, Mode: cfg.CollectionMode}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
