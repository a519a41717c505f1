package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openmesh/dws/pkg/confidentialdb"
	"github.com/openmesh/dws/pkg/types"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage confidential databases",
}

var dbProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision a confidential database",
	Long:  "Provisions a hardened PostgreSQL instance inside a confidential VM. The connection string with the admin password is printed exactly once; it is never stored or shown again.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		owner, err := ownerFlag(cmd, a)
		if err != nil {
			return err
		}

		name, _ := cmd.Flags().GetString("name")
		tier, _ := cmd.Flags().GetString("tier")
		region, _ := cmd.Flags().GetString("region")
		provider, _ := cmd.Flags().GetString("provider")
		credentialID, _ := cmd.Flags().GetString("credential-id")
		idleTimeoutMs, _ := cmd.Flags().GetInt64("idle-timeout-ms")
		autoTerminate, _ := cmd.Flags().GetBool("auto-terminate")

		rec, err := a.databases.Provision(confidentialdb.ProvisionRequest{
			Owner:         owner,
			Name:          name,
			Tier:          types.DBTier(tier),
			Region:        region,
			Provider:      types.CloudProvider(provider),
			CredentialID:  credentialID,
			IdleTimeoutMs: idleTimeoutMs,
			AutoTerminate: autoTerminate,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Database %s provisioning (tier %s, region %s)\n", rec.ID, rec.Tier, rec.Region)
		fmt.Println("Connection string (shown once, save it now):")
		fmt.Println(rec.ConnectionString)
		return nil
	},
}

var dbStartCmd = &cobra.Command{
	Use:   "start <db-id>",
	Short: "Start a stopped database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		owner, err := ownerFlag(cmd, a)
		if err != nil {
			return err
		}
		rec, err := a.databases.Start(args[0], owner)
		if err != nil {
			return err
		}
		fmt.Printf("Database %s starting\n", rec.ID)
		fmt.Println("New connection string (shown once, save it now):")
		fmt.Println(rec.ConnectionString)
		return nil
	},
}

var dbStopCmd = &cobra.Command{
	Use:   "stop <db-id>",
	Short: "Stop a running database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		owner, err := ownerFlag(cmd, a)
		if err != nil {
			return err
		}
		if err := a.databases.Stop(cmd.Context(), args[0], owner); err != nil {
			return err
		}
		fmt.Printf("Database %s stopped\n", args[0])
		return nil
	},
}

var dbTerminateCmd = &cobra.Command{
	Use:   "terminate <db-id>",
	Short: "Terminate a database permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		owner, err := ownerFlag(cmd, a)
		if err != nil {
			return err
		}
		if err := a.databases.Terminate(cmd.Context(), args[0], owner); err != nil {
			return err
		}
		fmt.Printf("Database %s terminated\n", args[0])
		return nil
	},
}

var dbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List databases for an owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		owner, err := ownerFlag(cmd, a)
		if err != nil {
			return err
		}
		return printJSON(a.databases.List(owner))
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show fleet-wide database statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return printJSON(a.databases.GetStats())
	},
}

func init() {
	for _, c := range []*cobra.Command{
		dbProvisionCmd, dbStartCmd, dbStopCmd, dbTerminateCmd, dbListCmd,
	} {
		c.Flags().String("owner", "", "Owner wallet address (required)")
		dbCmd.AddCommand(c)
	}
	dbCmd.AddCommand(dbStatsCmd)

	dbProvisionCmd.Flags().String("name", "", "Database name (alphanumeric, dash, underscore)")
	dbProvisionCmd.Flags().String("tier", "small", "Tier: small, medium, large, xlarge")
	dbProvisionCmd.Flags().String("region", "", "Deployment region")
	dbProvisionCmd.Flags().String("provider", "", "Cloud provider (defaults by environment)")
	dbProvisionCmd.Flags().String("credential-id", "", "Credential to provision with")
	dbProvisionCmd.Flags().Int64("idle-timeout-ms", 0, "Idle timeout before auto-stop (0 = default)")
	dbProvisionCmd.Flags().Bool("auto-terminate", false, "Terminate instead of stopping when idle")
}
