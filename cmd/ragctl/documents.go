package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/knoguchi/medrag/internal/document"
	"github.com/knoguchi/medrag/internal/ingestion"
	"github.com/knoguchi/medrag/internal/repository"
	"github.com/knoguchi/medrag/internal/repository/postgres"
	"github.com/knoguchi/medrag/internal/vectorstore"
)

var (
	docLimit  int
	docOffset int
)

func init() {
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(documentsCmd)
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsDeleteCmd)

	documentsListCmd.Flags().IntVar(&docLimit, "limit", 20, "Maximum number of records")
	documentsListCmd.Flags().IntVar(&docOffset, "offset", 0, "Records to skip")
}

// sourceFile is the on-disk form accepted by ingest.
type sourceFile struct {
	FileStem string         `json:"file_stem"`
	Source   string         `json:"source"`
	Summary  string         `json:"summary"`
	Chunks   []string       `json:"chunks"`
	Metadata map[string]any `json:"metadata"`
}

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE...",
	Short: "Index pre-chunked documents from JSON files",
	Long: `Index one or more source documents. Each file holds one JSON object:

  {"file_stem": "report_a", "source": "report_a.pdf",
   "summary": "...", "chunks": ["...", "..."], "metadata": {"ward": "icu"}}

file_stem defaults to the file name without extension. The summary goes to the
summary collection and the chunks to {RAG}_{file_stem}_{MODE}.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		docs := make([]ingestion.SourceDocument, 0, len(args))
		for _, path := range args {
			doc, err := loadSourceFile(path)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		ledger, closeLedger, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer closeLedger()

		cc, err := vectorstore.CollectionDefaults(cfg, cfg.SummaryCollection)
		if err != nil {
			return err
		}
		indexer, err := ingestion.NewIndexer(store, newEmbedder(), ingestion.Config{
			SummaryCollection: cfg.SummaryCollection,
			Naming:            naming(),
			VectorSize:        cc.VectorSize,
			Distance:          cc.Distance,
			Ledger:            ledger,
		})
		if err != nil {
			return err
		}

		results := make([]*ingestion.Result, 0, len(docs))
		for _, doc := range docs {
			res, err := indexer.IndexDocument(ctx, doc)
			if err != nil {
				return err
			}
			results = append(results, res)
			if !outputJSON {
				fmt.Printf("indexed %s: %d chunks -> %s (%s)\n",
					res.FileStem, len(res.ChunkIDs), res.ChunkCollection, res.Duration.Round(time.Millisecond))
			}
		}
		if outputJSON {
			return printJSON(os.Stdout, results)
		}
		return nil
	},
}

var documentsCmd = &cobra.Command{
	Use:     "documents",
	Aliases: []string{"docs"},
	Short:   "Inspect and remove indexed documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents recorded in the ingestion ledger (requires DATABASE_URL)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ledger, closeLedger, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer closeLedger()
		if ledger == nil {
			return fmt.Errorf("DATABASE_URL is not set")
		}

		recs, total, err := ledger.List(ctx, docLimit, docOffset)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(os.Stdout, map[string]any{"documents": recs, "total": total})
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STEM\tCHUNKS\tCOLLECTION\tUPDATED")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", r.FileStem, r.ChunkCount, r.ChunkCollection, r.UpdatedAt.Format(time.RFC3339))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\n%d of %d documents\n", len(recs), total)
		return nil
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete STEM",
	Short: "Drop the chunk collection of a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		ledger, closeLedger, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer closeLedger()

		indexer, err := ingestion.NewIndexer(store, newEmbedder(), ingestion.Config{
			SummaryCollection: cfg.SummaryCollection,
			Naming:            naming(),
			Ledger:            ledger,
		})
		if err != nil {
			return err
		}
		if err := indexer.DeleteDocument(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", naming().Collection(args[0]))
		return nil
	},
}

// openLedger connects to the ingestion ledger when DATABASE_URL is set. The
// returned repository is nil otherwise.
func openLedger(ctx context.Context) (repository.IngestionRepository, func(), error) {
	if cfg.DatabaseURL == "" {
		return nil, func() {}, nil
	}
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return postgres.NewIngestionRepo(db), db.Close, nil
}

func loadSourceFile(path string) (ingestion.SourceDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ingestion.SourceDocument{}, err
	}
	return parseSourceFile(path, raw)
}

func parseSourceFile(path string, raw []byte) (ingestion.SourceDocument, error) {
	var sf sourceFile
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&sf); err != nil {
		return ingestion.SourceDocument{}, fmt.Errorf("%s: %w", path, err)
	}

	if sf.FileStem == "" {
		base := filepath.Base(path)
		sf.FileStem = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if sf.Source == "" {
		sf.Source = path
	}

	md, err := document.FromJSON(sf.Metadata)
	if err != nil {
		return ingestion.SourceDocument{}, fmt.Errorf("%s: %w", path, err)
	}
	return ingestion.SourceDocument{
		FileStem: sf.FileStem,
		Source:   sf.Source,
		Summary:  sf.Summary,
		Chunks:   sf.Chunks,
		Metadata: md,
	}, nil
}
