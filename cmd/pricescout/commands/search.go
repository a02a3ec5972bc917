package commands

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-price-scout/cache"
	"github.com/aluiziolira/go-price-scout/models"
	"github.com/aluiziolira/go-price-scout/pipeline"
)

var (
	searchFormat string
	searchOutput string
)

func init() {
	searchCmd.Flags().StringVarP(&searchFormat, "format", "f", "", "output format: table, csv, json, or dual (default from config)")
	searchCmd.Flags().StringVarP(&searchOutput, "output", "o", "", "output file for csv, json and dual formats (default from config)")
	rootCmd.AddCommand(searchCmd)
}

var searchCmd = &cobra.Command{
	Use:   "search <item name>",
	Short: "Scrapes every active store for an item without a shared cache.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		name := strings.Join(args, " ")

		format := cfg.OutputFormat
		if searchFormat != "" {
			format = strings.ToLower(searchFormat)
		}
		output := cfg.OutputFile
		if searchOutput != "" {
			output = searchOutput
		}

		backend := cache.NewMemoryBackend()
		a, err := newApp(ctx, cfg, backend, nil)
		if err != nil {
			backend.Close()
			return err
		}
		defer a.Close()

		resp, err := a.items.GetItem(ctx, name)
		if err != nil {
			return err
		}
		for _, se := range resp.StoreErrors {
			slog.Warn("store failed", slog.String("store", se.StoreID), slog.String("error", se.Error))
		}

		writer, err := pipeline.NewOutputWriter(format, output, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if err := writer.Write(resp.Listings); err != nil {
			writer.Close()
			return err
		}
		if err := writer.Close(); err != nil {
			return err
		}
		if err := writer.Validate(); err != nil {
			return fmt.Errorf("output validation failed: %w", err)
		}

		printSummary(cmd, resp)
		return nil
	},
}

func printSummary(cmd *cobra.Command, resp *models.AggregateResponse) {
	t := newTable(cmd.OutOrStdout())
	t.SetTitle(resp.ItemName)
	t.AppendHeader(table.Row{"Store", "Listings", "From"})
	for _, s := range resp.Stores {
		t.AppendRow(table.Row{s.DisplayName, s.Count, pipeline.FormatPrice(s.MinPrice)})
	}
	stats := resp.PriceStats
	t.AppendFooter(table.Row{
		fmt.Sprintf("%d listings", stats.Count),
		fmt.Sprintf("avg %s", pipeline.FormatPrice(int64(stats.Avg))),
		fmt.Sprintf("%s - %s", pipeline.FormatPrice(stats.Min), pipeline.FormatPrice(stats.Max)),
	})
	t.Render()
}
