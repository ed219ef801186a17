package main

import (
	"encoding/json"
	"io"

	"github.com/Sternrassler/shop-invoice-ingest/pkg/ingest"
	"github.com/spf13/cobra"
)

// filterFlags are the listing filters shared by import and preview.
type filterFlags struct {
	limit           int
	financialStatus string
	from            string
	to              string
	cursor          string
}

func (f *filterFlags) register(cmd *cobra.Command, statusDefault string) {
	cmd.Flags().IntVarP(&f.limit, "limit", "l", 0, "maximum number of orders (0 = default)")
	cmd.Flags().StringVar(&f.financialStatus, "financial-status", statusDefault, "financial status filter (any, paid, pending, refunded, ...)")
	cmd.Flags().StringVar(&f.from, "from", "", "created at or after (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.to, "to", "", "created at or before (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.cursor, "cursor", "", "continue from a previous nextCursor")
}

func newImportCmd(c *cli) *cobra.Command {
	var (
		filters   filterFlags
		noConvert bool
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Run one import and print the report as JSON",
		Long: `Fetch orders and convert new or changed ones into invoices.

Examples:
  shop-ingest import --limit 500
  shop-ingest import --from 2024-01-01 --to 2024-01-31 --financial-status any
  shop-ingest import --cursor <nextCursor>`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			autoConvert := !noConvert
			report, runErr := a.service.Import(cmd.Context(), ingest.ImportRequest{
				Limit:           filters.limit,
				FinancialStatus: filters.financialStatus,
				CreatedFrom:     filters.from,
				CreatedTo:       filters.to,
				Cursor:          filters.cursor,
				AutoConvert:     &autoConvert,
			})
			if report != nil {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	filters.register(cmd, ingest.DefaultImportFinancialStatus)
	cmd.Flags().BoolVar(&noConvert, "no-convert", false, "fetch only, do not create invoices")
	return cmd
}

func newPreviewCmd(c *cli) *cobra.Command {
	var filters filterFlags

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "List orders without importing them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.service.Preview(cmd.Context(), ingest.PreviewRequest{
				Limit:           filters.limit,
				FinancialStatus: filters.financialStatus,
				CreatedFrom:     filters.from,
				CreatedTo:       filters.to,
				Cursor:          filters.cursor,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	filters.register(cmd, "any")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
