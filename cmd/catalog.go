package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/datafeed/internal/catalog"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List and validate provider descriptors",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := catalog.Load(cfg.Catalog.Path)
		if err != nil {
			return err
		}

		fmt.Printf("%-20s %-12s %-12s %8s %6s %12s  %s\n",
			"ID", "CATEGORY", "MODE", "PRIORITY", "COST", "RELIABILITY", "DATA TYPES")
		for _, d := range cat.Providers() {
			fmt.Printf("%-20s %-12s %-12s %8d %6.3f %12.2f  %v\n",
				d.ID, d.Category, d.Mode, d.Priority.Base, d.CostPerRequest,
				d.CurrentReliability(), d.Activation.DataTypes)
		}
		fmt.Printf("\n%d providers loaded from %s\n", cat.Len(), cfg.Catalog.Path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(catalogCmd)
}
