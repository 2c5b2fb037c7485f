package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/aorc-composite-service/internal/align"
	"github.com/couchcryptid/aorc-composite-service/internal/composite"
	"github.com/couchcryptid/aorc-composite-service/internal/config"
	"github.com/couchcryptid/aorc-composite-service/internal/grid"
	"github.com/couchcryptid/aorc-composite-service/internal/pipeline"
)

func compositeCommand() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "composite --from RFC3339 --to RFC3339",
		Short: "Build the national composite for every hour in a range.",
		Long: `Build the national composite for every hour in a range, both ends included.

Hours whose regions are not all mirrored are deferred under the strict policy
(COMPOSITE_POLICY=strict) and written flagged partial under the partial policy
when at least COMPOSITE_MIN_REGIONS regions are present.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, err := time.Parse(time.RFC3339, from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			end, err := time.Parse(time.RFC3339, to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}

			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			script, err := a.script("cmd/aorc/composite.go")
			if err != nil {
				return err
			}
			mask, err := loadMask(a.grid)
			if err != nil {
				return err
			}

			cfg := a.cfg
			cacheDir, err := os.MkdirTemp("", "aorc-archives-")
			if err != nil {
				return fmt.Errorf("archive cache dir: %w", err)
			}
			defer os.RemoveAll(cacheDir)
			cache, err := align.NewArchiveCache(a.store, cfg.ArchiveCacheSize, cacheDir, a.metrics)
			if err != nil {
				return err
			}
			defer cache.Purge()

			writer, err := composite.NewArrayWriter(a.store, a.grid.Reference)
			if err != nil {
				return err
			}
			policy := composite.Policy{Partial: cfg.CompositePolicy == config.PolicyPartial, MinRegions: cfg.CompositeMinRegions}
			comp, err := composite.New(align.New(a.catalog, cache, a.grid.Regions, a.logger), a.catalog, writer,
				a.recorder(), a.claims, a.grid.Regions, a.grid.Reference, mask, policy, script, a.clock, a.metrics, a.logger)
			if err != nil {
				return err
			}
			p := pipeline.New(nil, nil, comp, pipeline.Settings{CompositeConcurrency: cfg.CompositeConcurrency},
				a.clock, a.metrics, a.logger)

			stopServer := a.serve(p)
			defer stopServer()

			summary, runErr := p.RunComposite(ctx, start, end)
			return report(cmd, summary, runErr)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first hour (RFC3339, on the hour)")
	cmd.Flags().StringVar(&to, "to", "", "last hour, inclusive (RFC3339, on the hour)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// loadMask reads the configured mask file, or derives the mask from region
// extents when none is configured.
func loadMask(g *config.Grid) (*grid.Mask, error) {
	if g.MaskPath == "" {
		return grid.BuildMask(g.Reference, g.Regions), nil
	}
	f, err := os.Open(g.MaskPath)
	if err != nil {
		return nil, fmt.Errorf("open mask: %w", err)
	}
	defer f.Close()
	m, err := grid.ReadMask(f)
	if err != nil {
		return nil, fmt.Errorf("read mask %s: %w", g.MaskPath, err)
	}
	return m, nil
}
