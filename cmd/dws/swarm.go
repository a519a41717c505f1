package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openmesh/dws/pkg/types"
)

var swarmCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Inspect and manage the content swarm",
}

var swarmRegisterPeerCmd = &cobra.Command{
	Use:   "register-peer",
	Short: "Register a peer node with the coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		nodeID, _ := cmd.Flags().GetString("node-id")
		endpoint, _ := cmd.Flags().GetString("endpoint")
		region, _ := cmd.Flags().GetString("region")

		if err := a.coordinator.RegisterPeer(cmd.Context(), &types.Peer{
			NodeID:   nodeID,
			Endpoint: endpoint,
			Region:   region,
		}); err != nil {
			return err
		}
		fmt.Printf("Peer %s registered\n", nodeID)
		return nil
	},
}

var swarmRegisterContentCmd = &cobra.Command{
	Use:   "register-content",
	Short: "Announce content this node seeds",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		cid, _ := cmd.Flags().GetString("cid")
		infoHash, _ := cmd.Flags().GetString("info-hash")
		size, _ := cmd.Flags().GetInt64("size")
		tier, _ := cmd.Flags().GetString("tier")

		content, err := a.coordinator.RegisterContent(cmd.Context(), cid, infoHash, size, types.ContentTier(tier))
		if err != nil {
			return err
		}
		fmt.Printf("Content %s registered (%d seeders, health %s)\n",
			content.CID, content.SeederCount, content.Health)
		return nil
	},
}

var swarmContentCmd = &cobra.Command{
	Use:   "content <cid>",
	Short: "Show a content item and its seeding peers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		content, err := a.coordinator.Content(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		peers, err := a.coordinator.GetPeersForContent(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"content": content,
			"peers":   peers,
		})
	},
}

var swarmStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show swarm statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.coordinator.Stats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

func init() {
	swarmCmd.AddCommand(swarmRegisterPeerCmd)
	swarmCmd.AddCommand(swarmRegisterContentCmd)
	swarmCmd.AddCommand(swarmContentCmd)
	swarmCmd.AddCommand(swarmStatsCmd)

	swarmRegisterPeerCmd.Flags().String("node-id", "", "Peer node id")
	swarmRegisterPeerCmd.Flags().String("endpoint", "", "Peer base URL")
	swarmRegisterPeerCmd.Flags().String("region", "", "Peer region")

	swarmRegisterContentCmd.Flags().String("cid", "", "Content id")
	swarmRegisterContentCmd.Flags().String("info-hash", "", "BitTorrent info hash")
	swarmRegisterContentCmd.Flags().Int64("size", 0, "Content size in bytes")
	swarmRegisterContentCmd.Flags().String("tier", "cold", "Tier: system, popular, cold")
}
