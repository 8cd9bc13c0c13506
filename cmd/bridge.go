// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/serialhub/internal/bridge"
)

var (
	bridgePrefix    string
	bridgeShadowTTL time.Duration
	bridgeNoShadow  bool
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge ROUTE...",
	Short: "Bridge hub events and commands onto NATS",
	Long: `Run the link as a long-lived service on a NATS bus.

Events from every ROUTE (CATEGORY[:INSTANCE][!]) are published as JSON on
<prefix>.event.<category>.<instance>. The last event of each route is kept
in a Redis hash <prefix>:shadow:<category>:<instance>.

Command requests are served on <prefix>.request:
  {"category":"bat","iid":1,"cid":5,"payload":"0a"}
and answered with {"payload":"..."} or {"error":"..."}.

NATS and Redis addresses come from --nats-url/NATS_URL and
--redis-url/REDIS_URL.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
	bridgeCmd.Flags().StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server URL (NATS_URL)")
	bridgeCmd.Flags().StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis address or redis:// URL (REDIS_URL)")
	bridgeCmd.Flags().StringVar(&bridgePrefix, "prefix", bridge.DefaultPrefix, "Subject and key prefix")
	bridgeCmd.Flags().DurationVar(&bridgeShadowTTL, "shadow-ttl", bridge.DefaultShadowTTL, "Expiry of shadow hashes")
	bridgeCmd.Flags().BoolVar(&bridgeNoShadow, "no-shadow", false, "Do not keep event shadows in Redis")
}

// redisOptions accepts either host:port or a redis:// URL
func redisOptions(addr string) (*redis.Options, error) {
	if strings.Contains(addr, "://") {
		return redis.ParseURL(addr)
	}
	return &redis.Options{Addr: addr}, nil
}

func runBridge(cmd *cobra.Command, args []string) error {
	routes, err := parseRoutes(args)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("serialhub-bridge"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS %s: %w", cfg.NATSURL, err)
	}
	defer nc.Drain()
	log.WithField("url", cfg.NATSURL).Info("Connected to NATS")

	var shadow bridge.ShadowStore
	if !bridgeNoShadow {
		opts, err := redisOptions(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid Redis URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect to Redis %s: %w", cfg.RedisURL, err)
		}
		log.WithField("addr", opts.Addr).Info("Connected to Redis")
		shadow = rdb
	}

	s, err := openSession(context.Background(), nil)
	if err != nil {
		return err
	}
	defer s.Close()
	log.WithField("connection", s.info).Info("Link started")

	b := bridge.New(s.link, nc, shadow, bridge.Config{
		Prefix:         bridgePrefix,
		RequestTimeout: commandTimeout(),
		ShadowTTL:      bridgeShadowTTL,
		Logger:         log,
	})

	attachCtx, cancel := context.WithTimeout(ctx, time.Duration(len(routes))*commandTimeout()*2)
	err = b.Attach(attachCtx, routes)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		detachCtx, cancel := context.WithTimeout(context.Background(), time.Duration(len(routes))*commandTimeout()*2)
		defer cancel()
		b.Detach(detachCtx, routes)
	}()

	sub, err := b.Serve(nc)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go b.Run(runCtx)

	select {
	case <-ctx.Done():
		published, dropped := b.Stats()
		log.WithFields(logrus.Fields{"published": published, "dropped": dropped}).Info("Bridge stopped")
		return nil
	case err := <-s.Done():
		return fmt.Errorf("connection lost: %w", err)
	}
}
