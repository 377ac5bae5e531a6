// README: Entry point; loads config, wires stores and services, runs the HTTP server, event queue and cron jobs.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dispatch/internal/config"
	httptransport "dispatch/internal/http"
	"dispatch/internal/infra"
	"dispatch/internal/jobs"
	"dispatch/internal/maps"
	"dispatch/internal/modules/eta"
	"dispatch/internal/modules/location"
	"dispatch/internal/modules/matching"
	"dispatch/internal/modules/order"
	"dispatch/internal/modules/roster"
	"dispatch/internal/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := infra.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("dispatch-api exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	rosterStore := roster.NewStore(dbPool)

	var sinks []notify.Sink
	if cfg.RabbitMQ.URL != "" {
		mq, err := infra.NewRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			return err
		}
		defer mq.Close()
		sinks = append(sinks, notify.NewRabbitSink(mq.Channel, cfg.RabbitMQ.Exchange))
	} else {
		logger.Warn("rabbitmq not configured, events will not be brokered")
	}
	if cfg.Firebase.ProjectID != "" {
		fcm, err := infra.NewMessagingClient(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			return err
		}
		sinks = append(sinks, notify.NewFCMSink(fcm, rosterStore))
	} else {
		logger.Warn("firebase not configured, push notifications disabled")
	}
	events := notify.NewQueue(cfg.Notify.QueueSize, logger.Named("notify"), sinks...)

	var provider eta.RoutingProvider
	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			return err
		}
		provider = routes
	}

	txm := infra.NewTxManager(dbPool)
	orderStore := order.NewStore(dbPool)
	orderSvc := order.NewService(orderStore, rosterStore, txm, logger.Named("order"), cfg.Matching.MaxRequeues)

	locationStore := location.NewStore(dbPool, redisClient, cfg.Location.RetainFor)
	engine := eta.NewEngine(eta.NewHeuristic(cfg.ETA.UrbanSpeedKmh, eta.RegionsFromConfig(cfg.ETA.Regions)...), provider, eta.EngineConfig{
		Timeout: cfg.ETA.ProviderTimeout,
		RPS:     cfg.ETA.ProviderRPS,
		Burst:   cfg.ETA.ProviderBurst,
	}, logger.Named("eta"))
	etaSvc := eta.NewService(locationStore, engine, cfg.Matching.StaleAfter)
	locationSvc := location.NewService(locationStore, orderSvc, etaSvc, events, logger.Named("location"), location.Config{
		MaxClockSkew:     cfg.Location.MaxClockSkew,
		SnapshotInterval: cfg.Location.SnapshotInterval,
	})

	matchingSvc := matching.NewService(matching.ServiceDeps{
		Orders:     orderSvc,
		Finder:     matching.NewFinder(locationStore, rosterStore),
		Selector:   matching.NewSelector(cfg.Matching.TopK, nil),
		Transactor: matching.NewTransactor(txm, orderStore, rosterStore, cfg.Matching.LockTimeout),
		Stats:      matching.NewStatsStore(redisClient),
		Events:     events,
		Log:        logger.Named("matching"),
	}, cfg.Matching)

	jobManager := jobs.NewJobManager(logger.Named("jobs"),
		jobs.NewPendingSweepJob(matchingSvc, cfg.Jobs.SweepSpec, cfg.Jobs.SweepAfter, cfg.Jobs.SweepBatch, logger.Named("jobs")),
		jobs.NewLocationPruneJob(locationSvc, cfg.Jobs.PruneSpec, cfg.Location.RetainFor, logger.Named("jobs")),
	)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Orders:   orderSvc,
		Matching: matchingSvc,
		Location: locationSvc,
		ETA:      etaSvc,
		Roster:   rosterStore,
		Log:      logger.Named("http"),
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, router, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return events.Run(gctx) })
	g.Go(func() error {
		if err := jobManager.StartAll(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		jobManager.StopAll()
		return nil
	})
	g.Go(func() error { return server.Run(gctx) })

	logger.Info("dispatch-api started", zap.String("addr", cfg.HTTP.Addr), zap.Int("sinks", len(sinks)))
	return g.Wait()
}
