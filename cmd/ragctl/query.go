package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/knoguchi/medrag/internal/retrieval"
	"github.com/knoguchi/medrag/internal/service"
	"github.com/knoguchi/medrag/internal/vectorstore"
)

var (
	queryText    string
	queryTopK    int
	queryFilters []string
	queryRerank  bool
	queryTopN    int
)

func init() {
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(retrieveCmd)

	searchCmd.Flags().StringVarP(&queryText, "query", "q", "", "Query text (required)")
	searchCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 5, "Number of results")
	searchCmd.Flags().StringArrayVar(&queryFilters, "filter", nil, "Payload equality filter key=value (repeatable)")
	_ = searchCmd.MarkFlagRequired("query")

	retrieveCmd.Flags().StringVarP(&queryText, "query", "q", "", "Query text (required)")
	retrieveCmd.Flags().BoolVar(&queryRerank, "rerank", false, "Rerank the fan-out results")
	retrieveCmd.Flags().IntVarP(&queryTopN, "top-n", "n", 0, "Maximum results (default all, or RERANK_TOP_N when reranking)")
	_ = retrieveCmd.MarkFlagRequired("query")
}

var searchCmd = &cobra.Command{
	Use:   "search COLLECTION",
	Short: "Run a single vector search against one collection",
	Long: `Embed the query and search one collection directly, without fan-out.

Examples:
  ragctl search medical_document_summaries -q "pleural effusion"
  ragctl search NRAG_report_a_dev -q "nodule size" --filter chunk_index=2`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		filter, err := parseFilters(queryFilters)
		if err != nil {
			return err
		}

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		vec, err := newEmbedder().Embed(ctx, queryText)
		if err != nil {
			return err
		}
		results, err := store.Search(ctx, args[0], vec, queryTopK, filter)
		if err != nil {
			return err
		}

		if outputJSON {
			return printJSON(os.Stdout, results)
		}
		printResults(results)
		return nil
	},
}

var retrieveCmd = &cobra.Command{
	Use:   "retrieve",
	Short: "Run fan-out retrieval across the summary and chunk collections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		r, err := retrieval.New(store, newEmbedder(), retrieval.Options{
			SummaryCollection: cfg.SummaryCollection,
			Naming:            naming(),
			SummaryTopK:       cfg.SummaryTopK,
			ChunkTopK:         cfg.ChunkTopK,
			MaxConcurrency:    cfg.FanoutConcurrency,
			BranchTimeout:     cfg.BranchTimeout,
			DedupeByID:        cfg.DedupeResults,
		})
		if err != nil {
			return err
		}

		opts := []service.KnowledgeOption{}
		if queryRerank {
			opts = append(opts, service.WithReranker(newReranker()))
		}
		res, err := service.NewKnowledgeService(r, opts...).Query(ctx, service.KnowledgeQuery{
			Query:  queryText,
			Rerank: queryRerank,
			TopN:   queryTopN,
		})
		if err != nil {
			return err
		}

		if outputJSON {
			return printJSON(os.Stdout, res)
		}
		fmt.Printf("searched %d collections (%d failed), %d retrieved, %d returned, retrieval %dms, rerank %dms\n\n",
			len(res.Stats.Collections), res.Stats.Failed, res.Timing.Retrieved, res.Timing.Returned,
			res.Timing.RetrievalMS, res.Timing.RerankMS)
		for i, d := range res.Documents {
			stem, _ := d.Metadata.String("file_stem")
			fmt.Printf("%d. [%.4f] %s\n   %s\n", i+1, d.Score, stem, truncate(d.Content, 200))
		}
		return nil
	},
}

func printResults(results []vectorstore.SearchResult) {
	if len(results) == 0 {
		fmt.Println("No results found.")
		return
	}
	for i, r := range results {
		fmt.Printf("%d. [%.4f] %s\n   %s\n", i+1, r.Score, r.ID, truncate(r.Content, 200))
	}
}

// parseFilters turns key=value pairs into a filter. Values that parse as
// integers, floats or booleans are matched as such.
func parseFilters(pairs []string) (vectorstore.Filter, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	filter := make(vectorstore.Filter, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid filter %q, want key=value", p)
		}
		switch {
		case raw == "true" || raw == "false":
			filter[key] = raw == "true"
		default:
			if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
				filter[key] = i
			} else if f, err := strconv.ParseFloat(raw, 64); err == nil {
				filter[key] = f
			} else {
				filter[key] = raw
			}
		}
	}
	return filter, nil
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
