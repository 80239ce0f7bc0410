package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/knoguchi/medrag/internal/document"
	"github.com/knoguchi/medrag/internal/reranker"
)

var (
	rerankQuery string
	rerankDocs  []string
	rerankTopN  int
	rerankBatch string
)

func init() {
	rootCmd.AddCommand(rerankCmd)
	rerankCmd.Flags().StringVarP(&rerankQuery, "query", "q", "", "Query text")
	rerankCmd.Flags().StringArrayVarP(&rerankDocs, "doc", "d", nil, "Document text (repeatable)")
	rerankCmd.Flags().IntVarP(&rerankTopN, "top-n", "n", 0, "Results to keep (default RERANK_TOP_N)")
	rerankCmd.Flags().StringVar(&rerankBatch, "batch", "", "JSON file with [{query, documents, top_n}] reranked concurrently")
}

type batchEntry struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

var rerankCmd = &cobra.Command{
	Use:   "rerank",
	Short: "Rerank documents against a query with the configured model",
	Long: `Examples:
  ragctl rerank -q "compiled language" -d "Python is interpreted" -d "C++ is compiled"
  ragctl rerank --batch requests.json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rr := newReranker()

		if rerankBatch != "" {
			reqs, err := loadBatch(rerankBatch)
			if err != nil {
				return err
			}
			responses, err := rr.RerankBatch(ctx, reqs)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(os.Stdout, responses)
			}
			for i, resp := range responses {
				fmt.Printf("== %s\n", reqs[i].Query)
				if resp.Err != nil {
					fmt.Printf("   error: %v\n", resp.Err)
					continue
				}
				printScored(resp.Results)
			}
			return nil
		}

		if rerankQuery == "" || len(rerankDocs) == 0 {
			return fmt.Errorf("--query and at least one --doc are required without --batch")
		}
		docs := make([]document.Document, len(rerankDocs))
		for i, d := range rerankDocs {
			docs[i] = document.Document{Content: d}
		}
		results, err := rr.Rerank(ctx, rerankQuery, docs, rerankTopN)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(os.Stdout, results)
		}
		printScored(results)
		return nil
	},
}

func loadBatch(path string) ([]reranker.Request, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []batchEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	reqs := make([]reranker.Request, len(entries))
	for i, e := range entries {
		docs := make([]document.Document, len(e.Documents))
		for j, d := range e.Documents {
			docs[j] = document.Document{Content: d}
		}
		reqs[i] = reranker.Request{Query: e.Query, Documents: docs, TopN: e.TopN}
	}
	return reqs, nil
}

func printScored(results []reranker.ScoredDocument) {
	for i, r := range results {
		fmt.Printf("%d. [%.4f] #%d %s\n", i+1, r.RelevanceScore, r.Index, truncate(r.Content, 200))
	}
}
