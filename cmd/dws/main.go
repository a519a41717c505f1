package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openmesh/dws/pkg/errdefs"
)

// Build information, set via ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagConfig  string
	flagDataDir string
	flagDebug   bool
)

var rootCmd = &cobra.Command{
	Use:           "dws",
	Short:         "Decentralized workload service control plane",
	Long:          "dws runs the DWS control plane: the credential vault, confidential database manager, storage provider benchmarker and swarm coordinator.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dws %s (commit %s, built %s)\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "Override the data directory")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(credentialsCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(storageCmd)
	rootCmd.AddCommand(swarmCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errdefs.ExitCode(err))
	}
}

// ownerFlag resolves and validates the --owner wallet address the same
// way the HTTP surface authenticates its bearer principal
func ownerFlag(cmd *cobra.Command, a *app) (string, error) {
	owner, _ := cmd.Flags().GetString("owner")
	if owner == "" {
		return "", errdefs.Validation.New("--owner is required")
	}
	return a.authGW.Authenticate("Bearer " + owner)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errdefs.Transient.Wrap(err)
	}
	fmt.Println(string(data))
	return nil
}
