package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bobarin/storyreel/internal/models"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var listUnindexed bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed assets",
	Long: `List the assets indexed for the configured embedding model.

With --unindexed, list the video files in the asset directory that have no
index entry instead.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVar(&listUnindexed, "unindexed", false, "list asset files missing from the index")
}

func runList(cmd *cobra.Command, args []string) error {
	entries, err := assetIndex.Entries(context.Background())
	if err != nil {
		return err
	}

	if listUnindexed {
		files, err := assetStore.List()
		if err != nil {
			return err
		}
		for _, name := range unindexed(files, entries) {
			fmt.Println(name)
		}
		return nil
	}

	if len(entries) == 0 {
		fmt.Println("No assets indexed.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("File", "Size", "Orientation", "Description", "Updated")
	for _, e := range entries {
		table.Append(
			e.FileName,
			sizeLabel(e.AssetMetadata),
			orientation(e.AssetMetadata),
			truncate(e.Description, 60),
			e.UpdatedAt.Local().Format(time.DateTime),
		)
	}
	table.Render()
	fmt.Printf("%d assets (model %s)\n", len(entries), entries[0].Model)
	return nil
}

func unindexed(files []string, entries []models.AssetEmbedding) []string {
	indexed := make(map[string]bool, len(entries))
	for _, e := range entries {
		indexed[e.FileName] = true
	}
	var out []string
	for _, f := range files {
		if !indexed[f] {
			out = append(out, f)
		}
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
