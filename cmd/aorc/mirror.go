package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/aorc-composite-service/internal/adapter/noaa"
	"github.com/couchcryptid/aorc-composite-service/internal/domain"
	"github.com/couchcryptid/aorc-composite-service/internal/mirror"
	"github.com/couchcryptid/aorc-composite-service/internal/pipeline"
	"github.com/couchcryptid/aorc-composite-service/internal/source"
)

func mirrorCommand() *cobra.Command {
	var (
		from, to string
		regions  []string
	)
	cmd := &cobra.Command{
		Use:   "mirror --from YYYY-MM --to YYYY-MM",
		Short: "Copy every regional monthly archive in a month range into the store.",
		Long: `Copy every regional monthly archive in a month range into the store.

Archives already mirrored with the same upstream size, modification time and
ETag are skipped, so an interrupted run can simply be started again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fromMonth, err := domain.ParseYearMonth(from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			toMonth, err := domain.ParseYearMonth(to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			r, err := domain.NewMonthRange(fromMonth, toMonth)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			only, err := regionFilter(a, regions)
			if err != nil {
				return err
			}
			script, err := a.script("cmd/aorc/mirror.go")
			if err != nil {
				return err
			}

			cfg := a.cfg
			client := noaa.NewClient(cfg.SourceBaseURL, cfg.SourceTimeout, a.logger)
			engine := mirror.NewEngine(client, a.store, a.catalog, a.recorder(), a.claims, script, mirror.Settings{
				MaxAttempts:     cfg.MirrorMaxAttempts,
				InitialInterval: cfg.RetryInitialInterval,
				MaxInterval:     cfg.RetryMaxInterval,
			}, a.clock, a.metrics, a.logger)
			p := pipeline.New(source.NewCatalog(client, a.grid.Regions, a.metrics, a.logger), engine, nil, pipeline.Settings{
				MirrorConcurrency: cfg.MirrorConcurrency,
				ListAttempts:      cfg.MirrorMaxAttempts,
				InitialInterval:   cfg.RetryInitialInterval,
				MaxInterval:       cfg.RetryMaxInterval,
				Regions:           only,
			}, a.clock, a.metrics, a.logger)

			stopServer := a.serve(p)
			defer stopServer()

			summary, runErr := p.RunMirror(ctx, r)
			return report(cmd, summary, runErr)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first month to mirror (YYYY-MM)")
	cmd.Flags().StringVar(&to, "to", "", "last month to mirror, inclusive (YYYY-MM)")
	cmd.Flags().StringSliceVar(&regions, "regions", nil, "limit the run to these region ids (e.g. AB,CN)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func regionFilter(a *app, ids []string) ([]domain.RegionID, error) {
	out := make([]domain.RegionID, 0, len(ids))
	for _, id := range ids {
		rid := domain.RegionID(strings.ToUpper(strings.TrimSpace(id)))
		if !a.grid.Regions.Contains(rid) {
			return nil, fmt.Errorf("unknown region %q", id)
		}
		out = append(out, rid)
	}
	return out, nil
}

// report prints the summary and turns failed units into a non-zero exit.
func report(cmd *cobra.Command, s pipeline.Summary, runErr error) error {
	if err := s.WriteJSON(cmd.OutOrStdout()); err != nil {
		fmt.Fprintln(os.Stderr, "write summary:", err)
	}
	if runErr != nil {
		return runErr
	}
	if s.Failed > 0 {
		return fmt.Errorf("%s run finished with %d failed units", s.Stage, s.Failed)
	}
	return nil
}
