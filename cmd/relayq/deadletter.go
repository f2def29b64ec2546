package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relayq-ai/relayq/pkg/config"
	"github.com/relayq-ai/relayq/pkg/queue"
	"github.com/relayq-ai/relayq/pkg/store"
)

func newDeadLetterCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and manage dead-lettered messages",
	}

	openQueue := func() (*queue.Queue, *store.SQLiteStore, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		st, err := store.New(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return queue.New(st, cfg.Queue), st, nil
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, st, err := openQueue()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			items, err := q.DeadLetters(context.Background(), limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("no dead letters")
				return nil
			}
			for _, item := range items {
				fmt.Printf("%s  requester=%s attempts=%d  %s\n",
					item.ID, item.RequesterKey, item.Attempts, item.LastError)
			}
			return nil
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to show")

	requeueCmd := &cobra.Command{
		Use:   "requeue <id>",
		Short: "Return a dead letter to the queue at urgent priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, st, err := openQueue()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := q.RequeueDeadLetter(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("requeued %s\n", args[0])
			return nil
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete all dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, st, err := openQueue()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			n, err := q.PurgeDeadLetters(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("purged %d dead letters\n", n)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "relayq.yaml", "path to config file")
	cmd.AddCommand(listCmd, requeueCmd, purgeCmd)
	return cmd
}
