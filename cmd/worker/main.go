package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/turingfp/micropay/internal/bootstrap"
	infraRedis "github.com/turingfp/micropay/internal/infrastructure/redis"
	"github.com/turingfp/micropay/internal/worker"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "micropay-worker", "micropay_worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	if app.Redis == nil {
		app.Logger.Fatal().Msg("Worker requires redis: set storage.sessions=redis or webhook.async=true")
	}

	workerCfg := app.Config.Worker

	// --- Stale session reconciler ---
	lock := infraRedis.NewDistributedLock(app.Redis, app.Keyspace, "reconcile", workerCfg.LockTTL)
	reconciler := worker.NewReconciler(app.Gateway, app.Sessions, lock, app.Metrics, app.Logger,
		worker.ReconcilerConfig{Interval: workerCfg.ReconcileInterval, StaleAfter: workerCfg.StaleAfter})

	// --- Queued callback consumer ---
	stream := infraRedis.NewCallbackConsumer(
		app.Redis,
		app.Keyspace,
		workerCfg.Stream,
		workerCfg.ConsumerGroup,
		app.Config.InstanceID,
		workerCfg.BatchSize,
		workerCfg.BlockDuration,
	)
	if err := stream.CreateGroup(ctx); err != nil {
		app.Logger.Fatal().Err(err).Msg("Failed to create consumer group")
	}
	consumer := worker.NewCallbackConsumer(stream, app.Gateway, app.CallbackProducer(), app.Metrics, app.Logger,
		worker.DefaultConsumerConfig())

	app.Logger.Info().
		Str("stream", stream.Stream()).
		Str("group", workerCfg.ConsumerGroup).
		Str("consumer", app.Config.InstanceID).
		Msg("Worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Reconcile sessions whose callback never arrived.
	g.Go(func() error { return reconciler.Run(gCtx) })

	// 2. Apply callbacks queued by the api.
	g.Go(func() error { return consumer.Run(gCtx) })

	// 3. Wait for shutdown signal.
	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case <-quit:
			app.Logger.Info().Msg("Shutting down worker...")
			cancel()
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}
