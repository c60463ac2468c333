package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/bobarin/storyreel/internal/db"
	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:   "remove <file>...",
	Short: "Remove assets from the index",
	Long: `Remove assets from the index. The video files themselves are left alone.

Examples:
  storyreel-indexer remove harbor_dawn.mp4 old_clip.mp4`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRemove,
}

func runRemove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	var failed int
	for _, name := range args {
		err := assetIndex.Remove(ctx, name)
		switch {
		case errors.Is(err, db.ErrNotFound):
			fmt.Printf("%s: not indexed\n", name)
			failed++
		case err != nil:
			return fmt.Errorf("remove %s: %w", name, err)
		default:
			fmt.Printf("%s: removed\n", name)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d assets were not indexed", failed, len(args))
	}
	return nil
}
