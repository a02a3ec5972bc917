package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-price-scout/models"
	"github.com/aluiziolira/go-price-scout/stores"
)

var storeDisplayName string

func init() {
	storesAddCmd.Flags().StringVarP(&storeDisplayName, "name", "n", "", "display name (defaults to the id)")
	storesCmd.AddCommand(storesListCmd, storesAddCmd, storesEnableCmd, storesDisableCmd)
	rootCmd.AddCommand(storesCmd)
}

var storesCmd = &cobra.Command{
	Use:   "stores",
	Short: "Manages the store directory.",
}

var storesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists every store in the directory.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := openDirectory(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer dir.Close()

		all, err := dir.List(cmd.Context())
		if err != nil {
			return err
		}
		renderStores(cmd.OutOrStdout(), all)
		return nil
	},
}

var storesAddCmd = &cobra.Command{
	Use:   "add <id> <adapter> <base url>",
	Short: fmt.Sprintf("Adds or updates a store. Adapters: %s.", strings.Join(stores.Kinds(), ", ")),
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := openDirectory(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer dir.Close()

		return dir.Upsert(cmd.Context(), models.Store{
			ID:          args[0],
			Adapter:     args[1],
			BaseURL:     args[2],
			DisplayName: storeDisplayName,
			Active:      true,
		})
	},
}

var storesEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Includes a store in searches.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActive(cmd, args[0], true)
	},
}

var storesDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Excludes a store from searches.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActive(cmd, args[0], false)
	},
}

func setActive(cmd *cobra.Command, id string, active bool) error {
	dir, err := openDirectory(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.SetActive(cmd.Context(), id, active)
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(w)
	return t
}

func renderStores(w io.Writer, list []models.Store) {
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Name", "Adapter", "Base URL", "Active"})
	for _, s := range list {
		t.AppendRow(table.Row{s.ID, s.DisplayName, s.Adapter, s.BaseURL, s.Active})
	}
	t.Render()
}
