package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openmesh/dws/pkg/types"
	"github.com/openmesh/dws/pkg/vault"
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage cloud provider credentials",
}

var credentialsStoreCmd = &cobra.Command{
	Use:   "store",
	Short: "Store and verify a cloud credential",
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

		provider, _ := cmd.Flags().GetString("provider")
		name, _ := cmd.Flags().GetString("name")
		apiKey, _ := cmd.Flags().GetString("api-key")
		apiSecret, _ := cmd.Flags().GetString("api-secret")
		projectID, _ := cmd.Flags().GetString("project-id")
		region, _ := cmd.Flags().GetString("region")
		skipVerify, _ := cmd.Flags().GetBool("skip-verify")

		meta, err := a.vault.Store(cmd.Context(), owner, vault.StoreRequest{
			Provider:         types.CloudProvider(provider),
			Name:             name,
			APIKey:           apiKey,
			APISecret:        apiSecret,
			ProjectID:        projectID,
			Region:           region,
			SkipVerification: skipVerify,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Credential stored: %s (%s, status %s)\n", meta.ID, meta.Provider, meta.Status)
		return nil
	},
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credential metadata for an owner",
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
		return printJSON(a.vault.List(owner))
	},
}

var credentialsRevokeCmd = &cobra.Command{
	Use:   "revoke <credential-id>",
	Short: "Revoke a credential",
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
		if a.vault.Revoke(args[0], owner) {
			fmt.Printf("Credential %s revoked\n", args[0])
		} else {
			fmt.Printf("Credential %s not found or already revoked\n", args[0])
		}
		return nil
	},
}

var credentialsDeleteCmd = &cobra.Command{
	Use:   "delete <credential-id>",
	Short: "Delete a credential permanently",
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
		if a.vault.Delete(args[0], owner) {
			fmt.Printf("Credential %s deleted\n", args[0])
		} else {
			fmt.Printf("Credential %s not found\n", args[0])
		}
		return nil
	},
}

var credentialsVerifyCmd = &cobra.Command{
	Use:   "verify <credential-id>",
	Short: "Re-verify a credential with its provider",
	Long:  "Runs provider verification again. A credential in the error state returns to active on success.",
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
		if err := a.vault.VerifyAgain(cmd.Context(), args[0], owner); err != nil {
			return err
		}
		fmt.Printf("Credential %s verified\n", args[0])
		return nil
	},
}

var credentialsAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the credential audit trail for an owner",
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
		limit, _ := cmd.Flags().GetInt("limit")
		return printJSON(a.vault.Audit(owner, limit))
	},
}

func init() {
	for _, c := range []*cobra.Command{
		credentialsStoreCmd, credentialsListCmd, credentialsRevokeCmd,
		credentialsDeleteCmd, credentialsVerifyCmd, credentialsAuditCmd,
	} {
		c.Flags().String("owner", "", "Owner wallet address (required)")
		credentialsCmd.AddCommand(c)
	}

	credentialsStoreCmd.Flags().String("provider", "", "Cloud provider (aws, gcp, azure, hetzner, digitalocean)")
	credentialsStoreCmd.Flags().String("name", "", "Display name")
	credentialsStoreCmd.Flags().String("api-key", "", "Provider API key")
	credentialsStoreCmd.Flags().String("api-secret", "", "Provider API secret")
	credentialsStoreCmd.Flags().String("project-id", "", "Provider project or account id")
	credentialsStoreCmd.Flags().String("region", "", "Default region for this credential")
	credentialsStoreCmd.Flags().Bool("skip-verify", false, "Skip provider verification")

	credentialsAuditCmd.Flags().Int("limit", 50, "Maximum audit entries to show")
}
