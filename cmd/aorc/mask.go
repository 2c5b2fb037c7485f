package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/aorc-composite-service/internal/align"
	"github.com/couchcryptid/aorc-composite-service/internal/grid"
)

func maskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mask",
		Short: "Manage the static region ownership mask.",
	}
	cmd.AddCommand(maskBuildCommand())
	return cmd
}

func maskBuildCommand() *cobra.Command {
	var (
		fromHour string
		out      string
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the ownership mask and write it to the configured mask path.",
		Long: `Build the ownership mask and write it to the configured mask path.

By default each cell goes to the first region, in fixed order, whose extent
contains it. With --from-hour the mask follows the data instead: each cell
goes to the first region whose mirrored grid for that hour has a value there,
and cells no region covers are excluded. Every region must be mirrored for
that hour.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			path := out
			if path == "" {
				path = a.grid.MaskPath
			}
			if path == "" {
				return fmt.Errorf("no output: pass --output or set mask_path in GRID_CONFIG")
			}

			var m *grid.Mask
			if fromHour == "" {
				m = grid.BuildMask(a.grid.Reference, a.grid.Regions)
			} else {
				t, err := time.Parse(time.RFC3339, fromHour)
				if err != nil {
					return fmt.Errorf("--from-hour: %w", err)
				}
				cacheDir, err := os.MkdirTemp("", "aorc-archives-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(cacheDir)
				cache, err := align.NewArchiveCache(a.store, a.grid.Regions.Len(), cacheDir, a.metrics)
				if err != nil {
					return err
				}
				defer cache.Purge()
				grids, err := align.New(a.catalog, cache, a.grid.Regions, a.logger).ResolveHour(ctx, t)
				if err != nil {
					return err
				}
				m = grid.BuildMaskFromGrids(a.grid.Reference, a.grid.Regions, grids)
			}

			if err := writeMask(path, m); err != nil {
				return err
			}
			for _, id := range a.grid.Regions.IDs() {
				a.logger.Info("mask cells", "region", id, "cells", m.Counts()[id])
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&fromHour, "from-hour", "", "derive ownership from the mirrored grids of this hour (RFC3339)")
	cmd.Flags().StringVarP(&out, "output", "o", "", "mask file to write (default: mask_path from GRID_CONFIG)")
	return cmd
}

// writeMask replaces path atomically.
func writeMask(path string, m *grid.Mask) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".mask-*")
	if err != nil {
		return fmt.Errorf("write mask: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := m.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write mask: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write mask: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
