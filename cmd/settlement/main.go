package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/andriwidian/go-live-auction/internal/auction"
	"github.com/andriwidian/go-live-auction/internal/bus"
	"github.com/andriwidian/go-live-auction/internal/config"
	"github.com/andriwidian/go-live-auction/internal/engine"
	kafkax "github.com/andriwidian/go-live-auction/internal/kafka"
	"github.com/andriwidian/go-live-auction/internal/postgres"
	"github.com/andriwidian/go-live-auction/internal/redisx"
	"github.com/andriwidian/go-live-auction/internal/settlement"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Producer auction.sold
	pSold := kafkax.NewProducer(cfg.KafkaBrokers, auction.TopicSold, 1024, log)
	pSold.Start(context.Background())

	// Engine sendiri (proses terpisah dari api): rehydrate dari store, version
	// guard menjaga race antar proses. StatusChanged(SOLD) nyampe viewer lewat
	// redis relay.
	relay := bus.NewRedisRelay(rdb, log)
	evbus := bus.New(bus.Options{
		Producer:  cfg.ServiceName + "-settlement",
		Origin:    cfg.InstanceID,
		Heartbeat: cfg.Heartbeat,
	}, relay, log)
	relay.Attach(evbus)
	defer evbus.Close()

	eng := engine.New(engine.Config{
		Producer:     cfg.ServiceName + "-settlement",
		Origin:       cfg.InstanceID,
		StoreTimeout: cfg.StoreTimeout,
	}, &store.PG{DB: db}, evbus, log)
	eng.ExportSold = pSold
	defer eng.Close()

	svc := &settlement.Service{
		Core:        eng,
		Dedup:       &settlement.RedisDedup{RDB: rdb, Service: "settlement"},
		Log:         log,
		ServiceName: cfg.ServiceName + "-settlement",
	}

	group := getenv("SETTLEMENT_GROUP", "settlement-svc")
	workers := 1 // satu worker: urutan settle per partition kejaga
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, auction.TopicEnded, workers, log)

	go func() {
		log.Info("settlement consumer started",
			zap.String("group", group), zap.String("topic", auction.TopicEnded))
		if err := cons.Start(ctx, svc.HandleAuctionEnded); err != nil {
			log.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info("shutting down consumer...")
	cancel()
	time.Sleep(500 * time.Millisecond)
	pSold.Close()
	pSold.WaitClosed()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
