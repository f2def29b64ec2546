package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relayq-ai/relayq/pkg/backend"
	"github.com/relayq-ai/relayq/pkg/breaker"
	cachepkg "github.com/relayq-ai/relayq/pkg/cache"
	"github.com/relayq-ai/relayq/pkg/config"
	"github.com/relayq-ai/relayq/pkg/dispatch"
	"github.com/relayq-ai/relayq/pkg/models"
	"github.com/relayq-ai/relayq/pkg/queue"
	"github.com/relayq-ai/relayq/pkg/ratelimit"
	"github.com/relayq-ai/relayq/pkg/server"
	"github.com/relayq-ai/relayq/pkg/store"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the queue server and worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			st, err := store.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer func() { _ = st.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			q := queue.New(st, cfg.Queue)
			limiter := ratelimit.New(cfg.RateLimit)
			adaptive := ratelimit.NewAdaptive(limiter, cfg.RateLimit.Adaptive)
			brk := breaker.New(cfg.Breaker)
			pool := backend.NewPool(cfg.Backends)

			var cache *cachepkg.Cache
			if cfg.Cache.Enabled {
				cache = cachepkg.New(st, cfg.Cache)
				if len(cfg.Cache.Warm) > 0 {
					if err := cache.Warm(ctx, cfg.Cache.Warm, pool.Model(), 0.7); err != nil {
						log.Printf("cache warm: %v", err)
					}
				}
			}

			deliver := func(ctx context.Context, item *models.QueueItem, result *models.GenerateResult) error {
				log.Printf("replied to %s for %s (%d tokens, cached=%v)",
					item.ID, item.RequesterKey, result.Tokens, result.Cached)
				return nil
			}

			dispatcher := dispatch.New(q, limiter, adaptive, brk, pool, cache, cfg.Queue, deliver)
			srv := server.New(cfg, q, limiter, brk, pool, cache, dispatcher)

			done := make(chan struct{})
			go func() {
				dispatcher.Run(ctx)
				close(done)
			}()

			log.Printf("starting relayq with config: %s", configPath)
			err = srv.ListenAndServe(ctx)
			<-done
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relayq.yaml", "path to config file")
	return cmd
}
