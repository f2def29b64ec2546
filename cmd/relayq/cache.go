package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	cachepkg "github.com/relayq-ai/relayq/pkg/cache"
	"github.com/relayq-ai/relayq/pkg/config"
	"github.com/relayq-ai/relayq/pkg/store"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the response cache",
	}

	openCache := func() (*cachepkg.Cache, *store.SQLiteStore, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		st, err := store.New(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return cachepkg.New(st, cfg.Cache), st, nil
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, st, err := openCache()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			stats, err := c.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Entries:         %d / %d\n", stats.Size, stats.MaxSize)
			fmt.Printf("Hits:            %d\n", stats.Hits)
			fmt.Printf("Similarity hits: %d\n", stats.SimilarityHits)
			fmt.Printf("Misses:          %d\n", stats.Misses)
			fmt.Printf("Hit rate:        %.1f%%\n", stats.HitRate*100)
			return nil
		},
	}

	var pattern string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove cached responses",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, st, err := openCache()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			n, err := c.Invalidate(context.Background(), pattern)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d cache entries\n", n)
			return nil
		},
	}
	clearCmd.Flags().StringVar(&pattern, "pattern", "*", "glob over entry fingerprints")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "relayq.yaml", "path to config file")
	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}
