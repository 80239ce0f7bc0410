package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/knoguchi/medrag/internal/vectorstore"
)

var (
	collVectorSize int
	collDistance   string
	collForce      bool
)

func init() {
	rootCmd.AddCommand(collectionsCmd)
	collectionsCmd.AddCommand(collectionsListCmd)
	collectionsCmd.AddCommand(collectionsCreateCmd)
	collectionsCmd.AddCommand(collectionsDeleteCmd)

	collectionsCreateCmd.Flags().IntVar(&collVectorSize, "size", 0, "Vector size (default VECTOR_SIZE)")
	collectionsCreateCmd.Flags().StringVar(&collDistance, "distance", "", "cosine, euclid or dot (default VECTOR_DISTANCE)")
	collectionsDeleteCmd.Flags().BoolVarP(&collForce, "force", "f", false, "Delete without confirmation")
}

var collectionsCmd = &cobra.Command{
	Use:     "collections",
	Aliases: []string{"coll"},
	Short:   "Manage vector collections",
}

var collectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List collections, marking chunk collections with their document stem",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		names, err := store.ListCollections(ctx)
		if err != nil {
			return err
		}

		if outputJSON {
			return printJSON(os.Stdout, names)
		}

		n := naming()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "COLLECTION\tKIND\tSTEM")
		for _, name := range names {
			kind, stem := "other", ""
			if name == cfg.SummaryCollection {
				kind = "summary"
			} else if s, ok := n.Stem(name); ok {
				kind, stem = "chunks", s
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", name, kind, stem)
		}
		return w.Flush()
	},
}

var collectionsCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a collection if it does not exist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cc, err := vectorstore.CollectionDefaults(cfg, args[0])
		if err != nil {
			return err
		}
		if collVectorSize > 0 {
			cc.VectorSize = collVectorSize
		}
		if collDistance != "" {
			if cc.Distance, err = vectorstore.ParseDistance(collDistance); err != nil {
				return err
			}
		}

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.EnsureCollection(ctx, cc); err != nil {
			return err
		}
		fmt.Printf("collection %s ready (size %d, %s)\n", cc.Name, cc.VectorSize, cc.Distance)
		return nil
	},
}

var collectionsDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Irreversibly delete a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !collForce {
			return fmt.Errorf("refusing to delete %s without --force", args[0])
		}
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DeleteCollection(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted collection %s\n", args[0])
		return nil
	},
}
