// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nostrium/orbit/cache"
	"github.com/nostrium/orbit/cfg"
	"github.com/nostrium/orbit/client"
	"github.com/nostrium/orbit/database/kv"
	"github.com/nostrium/orbit/groups"
	"github.com/nostrium/orbit/publisher"
	"github.com/nostrium/orbit/relay"
	"github.com/nostrium/orbit/subscription"
)

var (
	configPath string
	dbPath     string
	relays     []string
	orbit      = &cobra.Command{
		Use:   "orbit",
		Short: "orbit",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			cfg.MustInit(configPath)

			privateKey := os.Getenv("ORBIT_PRIVATE_KEY")
			if privateKey == "" {
				log.Panic("ORBIT_PRIVATE_KEY is not set")
			}

			store := kv.MustOpen(dbPath)
			defer store.Close()
			cacheStore := cache.New(store)
			defer cacheStore.Close()

			pool, err := relay.New(ctx, relay.NewConnector(ctx), store)
			if err != nil {
				log.Panic(err)
			}
			defer pool.Close()
			for _, url := range relays {
				if aErr := pool.Add(ctx, url); aErr != nil {
					log.Panic(aErr)
				}
			}

			pub := publisher.New(pool, publisher.NewRateGate(publisher.DefaultConfig().MinPublishInterval), privateKey)
			engine := subscription.New(pool)
			groupManager := groups.NewManager(store, pub, privateKey)
			cl, err := client.New(privateKey, cacheStore, pool, pub, engine, groupManager)
			if err != nil {
				log.Panic(err)
			}

			if _, err = cl.CleanupCacheIfDue(ctx); err != nil {
				log.Printf("WARN: startup cache cleanup: %v", err)
			}
			runFeed(ctx, cancel, cl)
		},
	}
	initFlags = func() {
		orbit.Flags().StringVar(&configPath, "config", "/etc/orbit/orbit.yaml", "path to the yaml configuration file")
		orbit.Flags().StringVar(&dbPath, "db", "orbit.sqlite", "path to the local sqlite store (cache + keys)")
		orbit.Flags().StringSliceVar(&relays, "relay", nil, "relay endpoint to add to the pool (repeatable)")
	}
)

func init() {
	initFlags()
}

// runFeed tails the accounts we follow and prints their notes until
// the process is interrupted.
func runFeed(ctx context.Context, cancel context.CancelFunc, cl *client.Client) {
	following, err := cl.Following(ctx, cl.PubKey())
	if err != nil {
		log.Panic(err)
	}
	authors := append([]string{cl.PubKey()}, following...)
	handle, err := cl.SubscribeFeed(ctx, authors)
	if err != nil {
		log.Panic(err)
	}
	defer handle.Close()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
	}()

	for delivery := range handle.Events() {
		if delivery.EndOfStored {
			log.Printf("caught up with stored events, now live")

			continue
		}
		log.Printf("[%v] %v: %v", delivery.Event.CreatedAt.Time().Format("15:04:05"), delivery.Event.PubKey, delivery.Event.Content)
	}
}

func main() {
	if err := orbit.Execute(); err != nil {
		log.Panic(err)
	}
}
