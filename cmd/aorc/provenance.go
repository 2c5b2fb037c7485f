package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/aorc-composite-service/internal/provenance"
)

func provenanceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provenance",
		Short: "Inspect the provenance recorded in the catalog.",
	}
	cmd.AddCommand(provenanceExportCommand())
	return cmd
}

func provenanceExportCommand() *cobra.Command {
	var (
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the closed statement set for every recorded entity.",
		Long: `Write the closed statement set for every recorded entity.

The default JSON form is consumed by the external linked-data generator;
--format ntriples writes N-Triples. Export fails if any statement refers to
an entity the catalog does not describe.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != "json" && format != "ntriples" {
				return fmt.Errorf("--format must be json or ntriples, got %q", format)
			}
			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			stmts, err := a.mapper.Graph(a.catalog)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				defer f.Close()
				w = f
			}
			if err := writeStatements(w, format, stmts); err != nil {
				return err
			}
			a.logger.Info("provenance exported", "statements", len(stmts), "format", format)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or ntriples")
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func writeStatements(w io.Writer, format string, stmts []provenance.Statement) error {
	if format == "ntriples" {
		_, err := io.WriteString(w, provenance.NTriples(stmts))
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(stmts)
}
