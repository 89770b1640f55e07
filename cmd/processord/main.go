// Command processord matches normalized events against the subscriber
// store and materializes durable outbound records and delivery tokens.
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
	"github.com/yablo/webhookd/internal/log"
	"github.com/yablo/webhookd/internal/processor"
	"github.com/yablo/webhookd/internal/queue/redisqueue"
	"github.com/yablo/webhookd/internal/store/pgstore"
)

var errShutdown = errors.New("shutdown requested")

func processorMain() error {
	cfg, err := config.LoadProcessor()
	if err != nil {
		return err
	}
	defer log.Flush()

	bgCtx := context.Background()

	st, err := pgstore.Open(bgCtx, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open subscriber store: %w", err)
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
	defer redisClient.Close()

	ingest := redisqueue.New(redisClient, cfg.Queue.Prefix+":evt", log.Queu)
	delivery := redisqueue.New(redisClient, cfg.Queue.Prefix+":send", log.Queu)

	p := processor.New(ingest, delivery, st, log.Proc)

	g, ctx := errgroup.WithContext(bgCtx)
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			log.Proc.Info("shutting down")
			return errShutdown
		case <-ctx.Done():
			return nil
		}
	})
	g.Go(func() error { return p.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		return err
	}
	return nil
}

func main() {
	if err := processorMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
