package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"wismo-triage/pkg/app"
)

func newSeedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load an order and shipment catalog into Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(cmd)
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				path = cfg.CatalogPath
			}

			file, err := app.SeedCatalog(cmd.Context(), cfg, path, newLogger(cfg))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d orders and %d shipments\n", len(file.Orders), len(file.Shipments))
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "", "Catalog YAML file (defaults to CATALOG_PATH, then the built-in fixture)")
	return cmd
}
