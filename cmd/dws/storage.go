package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openmesh/dws/pkg/storagebench"
	"github.com/openmesh/dws/pkg/types"
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Manage and benchmark storage providers",
}

var storageRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a storage provider with its claimed specs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		address, _ := cmd.Flags().GetString("address")
		endpoint, _ := cmd.Flags().GetString("endpoint")
		providerType, _ := cmd.Flags().GetString("type")
		capacityMB, _ := cmd.Flags().GetInt64("claimed-capacity-mb")
		iops, _ := cmd.Flags().GetInt64("claimed-iops")
		throughput, _ := cmd.Flags().GetFloat64("claimed-throughput-mbps")
		region, _ := cmd.Flags().GetString("region")

		provider, err := a.storage.Register(storagebench.RegisterRequest{
			Address:               address,
			Endpoint:              endpoint,
			Type:                  types.StorageProviderType(providerType),
			ClaimedCapacityMB:     capacityMB,
			ClaimedIOPS:           iops,
			ClaimedThroughputMBps: throughput,
			Region:                region,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Provider registered: %s (reputation starts at 50)\n", provider.ID)

		skipBench, _ := cmd.Flags().GetBool("skip-benchmark")
		if skipBench {
			return nil
		}
		result, err := a.benchmarker.Benchmark(cmd.Context(), provider.ID)
		if err != nil {
			fmt.Printf("Initial benchmark failed: %v\n", err)
			return nil
		}
		fmt.Printf("Initial benchmark: score %d, deviation %.1f%%\n",
			result.OverallScore, result.DeviationPct)
		return nil
	},
}

var storageBenchmarkCmd = &cobra.Command{
	Use:   "benchmark <provider-id>",
	Short: "Benchmark a provider and update its reputation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.benchmarker.Benchmark(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		rep, err := a.storage.Reputation(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Benchmark complete: score %d, deviation %.1f%%, reputation %d\n",
			result.OverallScore, result.DeviationPct, rep.Score)
		return printJSON(result)
	},
}

var storageRankCmd = &cobra.Command{
	Use:   "rank",
	Short: "List providers ranked by reputation",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return printJSON(a.storage.Rank())
	},
}

var storageStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show storage registry statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return printJSON(a.storage.Stats())
	},
}

var storageHistoryCmd = &cobra.Command{
	Use:   "history <provider-id>",
	Short: "Show recent benchmark results for a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return printJSON(a.storage.History(args[0]))
	},
}

func init() {
	storageCmd.AddCommand(storageRegisterCmd)
	storageCmd.AddCommand(storageBenchmarkCmd)
	storageCmd.AddCommand(storageRankCmd)
	storageCmd.AddCommand(storageStatsCmd)
	storageCmd.AddCommand(storageHistoryCmd)

	storageRegisterCmd.Flags().String("address", "", "Provider wallet address")
	storageRegisterCmd.Flags().String("endpoint", "", "Provider endpoint URL")
	storageRegisterCmd.Flags().String("type", "object", "Provider type: object or ipfs")
	storageRegisterCmd.Flags().Int64("claimed-capacity-mb", 0, "Claimed capacity in MB")
	storageRegisterCmd.Flags().Int64("claimed-iops", 0, "Claimed IOPS")
	storageRegisterCmd.Flags().Float64("claimed-throughput-mbps", 0, "Claimed throughput in MB/s")
	storageRegisterCmd.Flags().String("region", "", "Provider region")
	storageRegisterCmd.Flags().Bool("skip-benchmark", false, "Skip the initial benchmark")
}
