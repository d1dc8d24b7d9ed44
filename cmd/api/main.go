package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andriwidian/go-live-auction/internal/auction"
	"github.com/andriwidian/go-live-auction/internal/bus"
	"github.com/andriwidian/go-live-auction/internal/config"
	"github.com/andriwidian/go-live-auction/internal/engine"
	"github.com/andriwidian/go-live-auction/internal/httpx"
	"github.com/andriwidian/go-live-auction/internal/identity"
	kafkax "github.com/andriwidian/go-live-auction/internal/kafka"
	"github.com/andriwidian/go-live-auction/internal/postgres"
	"github.com/andriwidian/go-live-auction/internal/redisx"
	"github.com/andriwidian/go-live-auction/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka export: satu producer per topic. Lifecycle via Close/WaitClosed,
	// bukan ctx, supaya flush terakhir tidak kepotong signal.
	pBids := kafkax.NewProducer(cfg.KafkaBrokers, auction.TopicBidAccepted, 1024, log)
	pBids.Start(context.Background())
	pEnded := kafkax.NewProducer(cfg.KafkaBrokers, auction.TopicEnded, 1024, log)
	pEnded.Start(context.Background())

	// Event bus + redis relay antar instance
	relay := bus.NewRedisRelay(rdb, log)
	evbus := bus.New(bus.Options{
		Producer:  cfg.ServiceName,
		Origin:    cfg.InstanceID,
		QueueSize: cfg.SubQueueSize,
		Heartbeat: cfg.Heartbeat,
	}, relay, log)
	relay.Attach(evbus)
	defer evbus.Close()

	// Engine
	pg := &store.PG{DB: db}
	eng := engine.New(engine.Config{
		Producer: cfg.ServiceName,
		Origin:   cfg.InstanceID,
		Policy: auction.Policy{
			Window: cfg.SnipeWindow,
			Step:   cfg.SnipeStep,
			Cap:    cfg.SnipeCap,
		},
		StoreTimeout: cfg.StoreTimeout,
		QueueSize:    cfg.LaneQueueSize,
	}, pg, evbus, log)
	eng.ExportBids = pBids
	eng.ExportEnded = pEnded
	defer eng.Close()

	// Router & handlers
	router := httpx.NewRouter()
	ah := &httpx.AuctionsHandler{
		Core:     eng,
		Identity: &identity.Redis{RDB: rdb},
		Redis:    rdb,
		Bids:     pg,
	}
	ah.Register(router)
	sh := &httpx.StreamHandler{Bus: evbus, Log: log}
	sh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// relay: event dari instance lain masuk fan-out lokal
	g.Go(func() error {
		if err := relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// sweeper: transisi time-driven lewat jalur serialized yang sama dgn bid
	g.Go(func() error {
		ticker := time.NewTicker(cfg.SweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				if err := eng.SweepDue(gctx, now.UTC()); err != nil {
					log.Warn("sweep failed", zap.Error(err))
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("exit", zap.Error(err))
	}

	pBids.Close() // tutup inbox -> flush & close writer
	pEnded.Close()
	pBids.WaitClosed() // drain
	pEnded.WaitClosed()
}
