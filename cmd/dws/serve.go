package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openmesh/dws/pkg/api"
	"github.com/openmesh/dws/pkg/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane server",
	Long:  "Starts the HTTP API, the idle/cost sweeps, the benchmark sweep and the swarm health and rebalance loops, and blocks until SIGINT or SIGTERM.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		sched := scheduler.New(nil)
		a.databases.RunLoops(ctx, sched)
		a.benchmarker.RunLoop(ctx, sched)
		a.coordinator.RunLoops(ctx, sched)

		server := api.NewServer(api.Config{
			ListenAddr:  a.cfg.ListenAddr,
			Auth:        a.authGW,
			Vault:       a.vault,
			Databases:   a.databases,
			Storage:     a.storage,
			Coordinator: a.coordinator,
			Metrics:     a.metricsReg,
		})

		errCh := make(chan error, 1)
		go func() { errCh <- server.ListenAndServe() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		fmt.Printf("dws %s serving on %s (node %s, region %s)\n",
			Version, a.cfg.ListenAddr, a.cfg.NodeID, a.cfg.Region)

		select {
		case sig := <-sigCh:
			fmt.Printf("Received %s, shutting down...\n", sig)
		case err := <-errCh:
			if err != nil {
				return err
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: shutdown did not drain cleanly: %v\n", err)
		}
		cancel()
		sched.Wait()
		return nil
	},
}
