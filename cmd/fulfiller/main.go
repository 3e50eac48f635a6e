package main

import (
	"context"
	"encoding/json"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/allyelvis/aebus/internal/catalog"
	"github.com/allyelvis/aebus/internal/config"
	"github.com/allyelvis/aebus/internal/ebms"
	"github.com/allyelvis/aebus/internal/fulfill"
	"github.com/allyelvis/aebus/internal/kafka"
	"github.com/allyelvis/aebus/internal/ledger"
	"github.com/allyelvis/aebus/internal/orders"
	"github.com/allyelvis/aebus/internal/outbox"
	"github.com/allyelvis/aebus/internal/postgres"
	"github.com/allyelvis/aebus/internal/redisx"
	"github.com/allyelvis/aebus/internal/sales"
)

const service = "fulfillment-worker"

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	producers := map[string]*kafka.Producer{}
	for _, ev := range []string{
		orders.EventOrderConfirmed,
		orders.EventOrderCancelled,
		orders.EventFiscalAlert,
	} {
		p := kafka.NewProducer(cfg.KafkaBrokers, kafka.TopicFor(ev), 1024)
		p.Start(ctx)
		producers[ev] = p
	}
	emitter := &kafka.Emitter{Producers: producers, Service: service}

	ordersRepo := &orders.Repo{DB: pool}
	coord := &fulfill.Coordinator{
		Orders: ordersRepo,
		Ledger: &ledger.PgLedger{DB: pool},
		Gateway: ebms.NewClient(ebms.Options{
			BaseURL:        cfg.EbmsBaseURL,
			TIN:            cfg.EbmsTIN,
			Username:       cfg.EbmsUsername,
			Password:       cfg.EbmsPassword,
			Timeout:        cfg.EbmsTimeout,
			MaxAttempts:    cfg.EbmsMaxAttempts,
			InitialBackoff: cfg.EbmsInitialBackoff,
			MaxBackoff:     cfg.EbmsMaxBackoff,
		}),
		Sales:     &sales.Repo{DB: pool},
		Outbox:    &outbox.PgRepo{DB: pool},
		Products:  catalog.NewClient(cfg.CatalogBaseURL, 5*time.Second),
		Customers: catalog.NewClient(cfg.CatalogBaseURL, 5*time.Second),
		Events:    emitter,
	}

	disp := outbox.NewDispatcher(coord.Outbox, coord, cfg.OutboxMaxRetry, cfg.OutboxBatchSize)

	// Replay whatever a previous process left behind before taking new work.
	rec := &fulfill.Reconciler{
		Coord:      coord,
		Dispatcher: disp,
		MaxRetry:   cfg.OutboxMaxRetry,
		BatchSize:  cfg.OutboxBatchSize,
	}
	if err := rec.Run(ctx); err != nil {
		log.Fatalf("startup reconciliation: %v", err)
	}
	log.Printf("startup reconciliation complete")

	outbox.NewScheduler(disp, cfg.OutboxInterval).Start(ctx)
	rec.StartPeriodic(ctx, cfg.ReconcileInterval)

	// The order.placed stream is a latency fast path: a fresh event triggers
	// an immediate outbox pass instead of waiting for the next tick.
	consumer := kafka.NewConsumer(cfg.KafkaBrokers, "fulfillment-worker", orders.TopicOrderPlaced, 4)
	err = consumer.Start(ctx, func(ctx context.Context, m kafkago.Message) error {
		var env orders.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			log.Printf("fulfiller: bad envelope on %s, skipping: %v", orders.TopicOrderPlaced, err)
			return nil
		}
		dedupKey := redisx.Key(redisx.KeyDedup, service, env.EventID)
		ok, err := rdb.SetNX(ctx, dedupKey, 1, redisx.TTLDedup).Result()
		if err != nil {
			return err
		}
		if !ok {
			return nil // already handled
		}
		if _, err := disp.DispatchOnce(ctx); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		log.Fatalf("consumer: %v", err)
	}

	for _, p := range producers {
		p.WaitClosed()
	}
	log.Printf("bye")
}
