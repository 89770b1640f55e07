// Command listenerd maintains the upstream RPC sessions to the
// blockchain node and normalizes incoming notifications onto the
// ingest queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v7"
	"golang.org/x/sync/errgroup"

	"github.com/yablo/webhookd/internal/config"
	"github.com/yablo/webhookd/internal/listener"
	"github.com/yablo/webhookd/internal/log"
	"github.com/yablo/webhookd/internal/queue/redisqueue"
	"github.com/yablo/webhookd/internal/rpcsession"
)

// errShutdown marks a clean signal-triggered shutdown, distinct from a
// genuine Run failure, so main can tell the two apart.
var errShutdown = errors.New("shutdown requested")

// listenerMain is the true entry point; nested under main so deferred
// cleanup runs even when the process exits non-zero.
func listenerMain() error {
	cfg, err := config.LoadListener()
	if err != nil {
		return err
	}
	defer log.Flush()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
	defer redisClient.Close()

	ingest := redisqueue.New(redisClient, cfg.Queue.Prefix+":evt", log.Queu)

	rpcCfg := rpcsession.Config{
		Host:       cfg.Upstream.Host,
		User:       cfg.Upstream.User,
		Pass:       cfg.Upstream.Pass,
		CACertPath: cfg.Upstream.CACertPath,
		Retry:      cfg.Upstream.Retry,
	}

	l, err := listener.Dial(rpcCfg, ingest, log.Lstn)
	if err != nil {
		return fmt.Errorf("dial upstream: %w", err)
	}
	defer l.Close()

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			log.Lstn.Info("shutting down")
			return errShutdown
		case <-ctx.Done():
			return nil
		}
	})
	g.Go(func() error { return l.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		return err
	}
	return nil
}

func main() {
	if err := listenerMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
