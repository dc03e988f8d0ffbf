package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/datafeed/internal/faults"
	"github.com/sells-group/datafeed/internal/model"
)

var (
	fetchDataType     string
	fetchSector       string
	fetchGranularity  string
	fetchMaxStaleness int
	fetchValidateOnly bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [entity keys...]",
	Short: "Resolve one data request and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := model.DataRequest{
			EntityKeys: args,
			DataType:   model.DataType(fetchDataType),
			Filter: model.FilterCriteria{
				Sector:      fetchSector,
				Granularity: fetchGranularity,
			},
			MaxStaleness: time.Duration(fetchMaxStaleness) * time.Second,
		}

		gw, err := initGateway(cmd.Context())
		if err != nil {
			return err
		}
		defer gw.Close()

		if fetchValidateOnly {
			report := gw.Validate(req)
			return printJSON(report)
		}

		result, err := gw.Fetch(cmd.Context(), req)
		if err != nil {
			zap.L().Error("fetch failed",
				zap.String("data_type", fetchDataType),
				zap.String("kind", string(faults.KindOf(err))),
				zap.Error(err),
			)
			return err
		}

		return printJSON(result)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	fetchCmd.Flags().StringVar(&fetchDataType, "type", "quote", "data type (quote, fundamentals, options, news, economic_series, reference)")
	fetchCmd.Flags().StringVar(&fetchSector, "sector", "", "sector filter for screens")
	fetchCmd.Flags().StringVar(&fetchGranularity, "granularity", "", "series granularity")
	fetchCmd.Flags().IntVar(&fetchMaxStaleness, "max-staleness", 0, "max acceptable cache age in seconds (0 = type TTL)")
	fetchCmd.Flags().BoolVar(&fetchValidateOnly, "validate", false, "check routability without fetching")
	rootCmd.AddCommand(fetchCmd)
}
