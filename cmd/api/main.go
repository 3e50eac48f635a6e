package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/allyelvis/aebus/internal/catalog"
	"github.com/allyelvis/aebus/internal/config"
	"github.com/allyelvis/aebus/internal/ebms"
	"github.com/allyelvis/aebus/internal/fulfill"
	"github.com/allyelvis/aebus/internal/httpx"
	"github.com/allyelvis/aebus/internal/kafka"
	"github.com/allyelvis/aebus/internal/ledger"
	"github.com/allyelvis/aebus/internal/orders"
	"github.com/allyelvis/aebus/internal/outbox"
	"github.com/allyelvis/aebus/internal/postgres"
	"github.com/allyelvis/aebus/internal/redisx"
	"github.com/allyelvis/aebus/internal/sales"
)

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
		orders.EventOrderPlaced,
		orders.EventOrderConfirmed,
		orders.EventOrderCancelled,
		orders.EventFiscalAlert,
	} {
		p := kafka.NewProducer(cfg.KafkaBrokers, kafka.TopicFor(ev), 1024)
		p.Start(ctx)
		producers[ev] = p
	}
	emitter := &kafka.Emitter{Producers: producers, Service: cfg.ServiceName}

	ordersRepo := &orders.Repo{DB: pool}
	salesRepo := &sales.Repo{DB: pool}
	stockLedger := &ledger.PgLedger{DB: pool}
	outboxRepo := &outbox.PgRepo{DB: pool}

	coord := &fulfill.Coordinator{
		Orders: ordersRepo,
		Ledger: stockLedger,
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
		Sales:     salesRepo,
		Outbox:    outboxRepo,
		Products:  catalog.NewClient(cfg.CatalogBaseURL, 5*time.Second),
		Customers: catalog.NewClient(cfg.CatalogBaseURL, 5*time.Second),
		Events:    emitter,
	}

	handlers := &httpx.Handlers{
		Coord:           coord,
		Orders:          ordersRepo,
		Sales:           salesRepo,
		Ledger:          stockLedger,
		Redis:           rdb,
		DefaultLocation: cfg.DefaultLocation,
	}
	srv := httpx.NewServer(cfg.HTTPAddr, httpx.NewRouter(handlers))

	go func() {
		log.Printf("api listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	for _, p := range producers {
		p.WaitClosed()
	}
	log.Printf("bye")
}
