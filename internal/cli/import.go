package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/bobarin/storyreel/internal/models"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	importSkipMissing bool
	importNoProbe     bool
	importProbeLimit  int
	importBatchSize   int
)

var importCmd = &cobra.Command{
	Use:   "import <manifest.yaml>",
	Short: "Embed and index the clips listed in a manifest",
	Long: `Embed and index the clips listed in a YAML manifest.

Every listed file must exist in the asset directory. Frame sizes missing
from the manifest are read with ffprobe. Entries already in the index are
replaced.

Examples:
  storyreel-indexer import clips.yaml
  storyreel-indexer import clips.yaml --skip-missing --probe-concurrency 8`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().BoolVar(&importSkipMissing, "skip-missing", false, "skip entries whose file is not in the asset directory")
	importCmd.Flags().BoolVar(&importNoProbe, "no-probe", false, "do not probe frame sizes missing from the manifest")
	importCmd.Flags().IntVar(&importProbeLimit, "probe-concurrency", 4, "parallel ffprobe runs")
	importCmd.Flags().IntVar(&importBatchSize, "batch", 64, "descriptions embedded per request")
}

// dimensionSource reads the frame size of an asset.
type dimensionSource interface {
	Exists(name string) bool
	Dimensions(ctx context.Context, name string) (int, int, error)
}

type upserter interface {
	Upsert(ctx context.Context, assets []models.AssetMetadata) error
}

func runImport(cmd *cobra.Command, args []string) error {
	manifest, err := LoadManifest(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	entries, missing, err := checkFiles(manifest.Metadata(), assetStore, importSkipMissing)
	if err != nil {
		return err
	}
	if !importNoProbe {
		if err := fillDimensions(ctx, entries, assetStore, importProbeLimit); err != nil {
			return err
		}
	}
	if err := upsertBatches(ctx, assetIndex, entries, importBatchSize); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("File", "Size", "Orientation")
	for _, e := range entries {
		table.Append(e.FileName, sizeLabel(e), orientation(e))
	}
	table.Render()

	fmt.Printf("Indexed %d assets", len(entries))
	if len(missing) > 0 {
		fmt.Printf(", skipped %d missing: %v", len(missing), missing)
	}
	fmt.Println()
	return nil
}

// checkFiles drops or rejects entries whose file is not in the store.
func checkFiles(entries []models.AssetMetadata, store dimensionSource, skipMissing bool) ([]models.AssetMetadata, []string, error) {
	var present []models.AssetMetadata
	var missing []string
	for _, e := range entries {
		if store.Exists(e.FileName) {
			present = append(present, e)
			continue
		}
		if !skipMissing {
			return nil, nil, fmt.Errorf("%s is not in the asset directory (use --skip-missing to ignore)", e.FileName)
		}
		missing = append(missing, e.FileName)
	}
	if len(present) == 0 {
		return nil, missing, fmt.Errorf("no listed asset exists in the asset directory")
	}
	return present, missing, nil
}

// fillDimensions probes the entries without a frame size, limit at a time.
// Entries are updated in place.
func fillDimensions(ctx context.Context, entries []models.AssetMetadata, store dimensionSource, limit int) error {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range entries {
		if entries[i].HasDimensions() {
			continue
		}
		e := &entries[i]
		g.Go(func() error {
			w, h, err := store.Dimensions(ctx, e.FileName)
			if err != nil {
				return fmt.Errorf("probe %s: %w", e.FileName, err)
			}
			e.Width, e.Height = w, h
			return nil
		})
	}
	return g.Wait()
}

func upsertBatches(ctx context.Context, ix upserter, entries []models.AssetMetadata, size int) error {
	if size <= 0 {
		size = len(entries)
	}
	for start := 0; start < len(entries); start += size {
		end := min(start+size, len(entries))
		if err := ix.Upsert(ctx, entries[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func sizeLabel(m models.AssetMetadata) string {
	if !m.HasDimensions() {
		return "unknown"
	}
	return fmt.Sprintf("%dx%d", m.Width, m.Height)
}

func orientation(m models.AssetMetadata) string {
	switch {
	case !m.HasDimensions():
		return "-"
	case m.Height > m.Width:
		return "portrait"
	default:
		return "landscape"
	}
}
