package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relayq-ai/relayq/pkg/config"
	"github.com/relayq-ai/relayq/pkg/queue"
	"github.com/relayq-ai/relayq/pkg/store"
)

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			st, err := store.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			status, err := queue.New(st, cfg.Queue).Status(context.Background())
			if err != nil {
				return err
			}

			fmt.Printf("Health:       %s\n", status.QueueHealth)
			fmt.Printf("Pending:      %d\n", status.Pending)
			fmt.Printf("Processing:   %d\n", status.Processing)
			fmt.Printf("Delayed:      %d\n", status.Delayed)
			fmt.Printf("Dead letters: %d\n", status.DeadLetterCount)
			if len(status.Metrics) > 0 {
				fmt.Println("Metrics:")
				for name, n := range status.Metrics {
					fmt.Printf("  %-14s %d\n", name, n)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relayq.yaml", "path to config file")
	return cmd
}
