// Command dispatchd delivers webhook payloads by HTTP POST, enforcing
// a single running instance per delivery queue via a Postgres
// advisory lock.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v7"
	"golang.org/x/sync/errgroup"

	"github.com/yablo/webhookd/internal/config"
	"github.com/yablo/webhookd/internal/dispatcher"
	"github.com/yablo/webhookd/internal/log"
	"github.com/yablo/webhookd/internal/queue/redisqueue"
	"github.com/yablo/webhookd/internal/store/pgstore"
)

var errShutdown = errors.New("shutdown requested")

// pgLocker adapts *pgstore.Store's concrete AdvisoryLock return type to
// dispatcher.Locker's interface-typed one.
type pgLocker struct {
	store *pgstore.Store
}

func (l pgLocker) TryAcquireAdvisoryLock(ctx context.Context, key int64) (dispatcher.Lock, error) {
	lock, err := l.store.TryAcquireAdvisoryLock(ctx, key)
	if err != nil {
		if err == pgstore.ErrLockHeld {
			return nil, dispatcher.ErrAnotherDispatcherActive
		}
		return nil, err
	}
	return lock, nil
}

func dispatcherMain() error {
	cfg, err := config.LoadDispatcher()
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

	delivery := redisqueue.New(redisClient, cfg.Queue.Prefix+":send", log.Queu)

	d := dispatcher.New(delivery, st, pgLocker{store: st}, dispatcher.Config{
		MaxAttempts: cfg.MaxAttempts,
		MaxAge:      time.Duration(cfg.MaxAgeHours) * time.Hour,
		LockKey:     cfg.LockKey,
	}, log.Disp)

	g, ctx := errgroup.WithContext(bgCtx)
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			log.Disp.Info("shutting down")
			return errShutdown
		case <-ctx.Done():
			return nil
		}
	})
	g.Go(func() error { return d.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		return err
	}
	return nil
}

func main() {
	if err := dispatcherMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
