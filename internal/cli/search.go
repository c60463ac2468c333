package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/bobarin/storyreel/internal/models"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var searchK int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run a similarity search against the index",
	Long: `Run the same similarity search the scene resolver uses and print the
ranked candidates.

Examples:
  storyreel-indexer search "rain on a city street at night"
  storyreel-indexer search harbor dawn -k 3`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchK, "k", "k", models.DefaultCandidatesPerSearch, "number of candidates")
}

func runSearch(cmd *cobra.Command, args []string) error {
	if searchK < models.MinCandidatesPerSearch || searchK > models.MaxCandidatesPerSearch {
		return fmt.Errorf("-k must be between %d and %d", models.MinCandidatesPerSearch, models.MaxCandidatesPerSearch)
	}
	query := strings.Join(args, " ")

	results, err := assetIndex.Search(context.Background(), query, searchK)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No candidates.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Rank", "File", "Score", "Orientation", "Description")
	for i, c := range results {
		table.Append(
			fmt.Sprintf("%d", i+1),
			c.AssetID,
			fmt.Sprintf("%.4f", c.Score),
			orientation(c.Metadata),
			truncate(c.Metadata.Description, 60),
		)
	}
	table.Render()
	return nil
}
