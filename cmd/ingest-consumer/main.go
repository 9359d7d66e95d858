// Package main is the entry point for the ingest-consumer, the worker that
// drains the security-log queue, normalizes vendor events into the canonical
// schema and indexes them into tenant-scoped indices.
//
// Dependencies:
//   - RabbitMQ: consumes the durable log queue, publishes rejects to the DLX
//   - OpenSearch: tenant-scoped indices behind logs-<tenant> aliases
//   - (Optional) OTLP collector: span export
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Sebastian25gb/nubla-siem/internal/broker"
	"github.com/Sebastian25gb/nubla-siem/internal/config"
	"github.com/Sebastian25gb/nubla-siem/internal/consumer"
	"github.com/Sebastian25gb/nubla-siem/internal/metrics"
	"github.com/Sebastian25gb/nubla-siem/internal/schema"
	"github.com/Sebastian25gb/nubla-siem/internal/search"
	"github.com/Sebastian25gb/nubla-siem/internal/telemetry"
	"github.com/Sebastian25gb/nubla-siem/internal/tenant"
)

func main() {
	// ── Structured Logger ──────────────────────────────────────────────────
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// ── Configuration ──────────────────────────────────────────────────────
	cfg := config.Load()

	// ── OpenTelemetry Tracer ───────────────────────────────────────────────
	if cfg.OTLPEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "ingest-consumer", cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("OTel tracer init failed", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", cfg.OTLPEndpoint))
		}
	}

	// ── Metrics Registry ───────────────────────────────────────────────────
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// ── Tenant Registry & Host Mapping ─────────────────────────────────────
	tenants := tenant.NewRegistry(cfg.TenantsRegistryPath, logger)
	m.TenantRegistrySize.Set(float64(tenants.Size()))

	hosts := tenant.LoadHostMap(cfg.HostTenantMapPath, logger)

	// ── Canonical Schema Validator ─────────────────────────────────────────
	validator, err := schema.NewValidator(cfg.SchemaPath)
	if err != nil {
		// Degraded mode: events flow unvalidated rather than not at all.
		logger.Warn("schema load failed, validation disabled",
			zap.String("path", cfg.SchemaPath),
			zap.Error(err),
		)
		validator = nil
	}

	// ── OpenSearch ─────────────────────────────────────────────────────────
	searchClient, err := search.NewClient(search.Config{
		Host:     cfg.OpenSearchHost,
		Username: cfg.OSUser,
		Password: cfg.OSPass,
	}, m, logger)
	if err != nil {
		logger.Fatal("search backend connection failed", zap.Error(err))
	}

	// ── RabbitMQ ───────────────────────────────────────────────────────────
	brokerClient, err := broker.Dial(broker.Config{
		Host:     cfg.RabbitHost,
		Port:     cfg.RabbitPort,
		User:     cfg.RabbitUser,
		Password: cfg.RabbitPassword,
		VHost:    cfg.RabbitVHost,
	}, logger)
	if err != nil {
		logger.Fatal("broker connection failed", zap.Error(err))
	}
	defer brokerClient.Close()

	if err := brokerClient.DeclareTopology(broker.Topology{
		Exchange:   cfg.Exchange,
		Queue:      cfg.Queue,
		DLX:        cfg.DLX,
		DLQ:        cfg.DLQ,
		RoutingKey: cfg.RoutingKey,
	}); err != nil {
		logger.Fatal("broker topology declaration failed", zap.Error(err))
	}

	channel, err := brokerClient.Channel()
	if err != nil {
		logger.Fatal("broker channel failed", zap.Error(err))
	}

	// ── Bulk Indexer (optional) ────────────────────────────────────────────
	deps := consumer.Deps{
		Indexer:   searchClient,
		Validator: validator,
		Registry:  tenants,
		Hosts:     hosts,
		Metrics:   m,
	}
	var bulk *search.BulkIndexer
	if cfg.UseBulk {
		bulk = search.NewBulkIndexer(searchClient, search.BulkConfig{
			MaxItems:    cfg.BulkMaxItems,
			MaxInterval: cfg.BulkMaxInterval,
			Pipeline:    cfg.BulkPipeline,
		}, m, logger)
		bulk.Start()
		deps.Bulk = bulk
	}

	// ── Consumer ───────────────────────────────────────────────────────────
	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	ingest := consumer.New(channel, deps, consumer.Options{
		Queue:         cfg.Queue,
		Prefetch:      cfg.Prefetch,
		DLX:           cfg.DLX,
		RoutingKey:    cfg.RoutingKey,
		Pipeline:      cfg.BulkPipeline,
		UseManualDLX:  cfg.UseManualDLX,
		UseBulk:       cfg.UseBulk,
		RequireTenant: cfg.RequireTenant,
		DefaultTenant: cfg.DefaultTenant,
	}, logger)
	if err := ingest.Start(consumerCtx); err != nil {
		logger.Fatal("consumer start failed", zap.Error(err))
	}

	// ── Tenant Registry Reloader ───────────────────────────────────────────
	var reloader *tenant.Reloader
	if cfg.TenantsReloadSpec != "" {
		reloader = tenant.NewReloader(tenants, cfg.TenantsReloadSpec, func(size int) {
			m.TenantRegistrySize.Set(float64(size))
		}, logger)
		if err := reloader.Start(); err != nil {
			logger.Fatal("tenant registry reloader start failed", zap.Error(err))
		}
	}

	// ── HTTP Server (metrics + health) ─────────────────────────────────────
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	e.GET("/healthz", func(c echo.Context) error {
		health := map[string]string{"status": "ok", "broker": "up", "search": "up"}
		if brokerClient.IsClosed() {
			health["broker"] = "down"
		}
		pingCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		if err := searchClient.Ping(pingCtx); err != nil {
			health["search"] = "down"
		}
		if health["broker"] == "down" || health["search"] == "down" {
			health["status"] = "degraded"
			return c.JSON(http.StatusServiceUnavailable, health)
		}
		return c.JSON(http.StatusOK, health)
	})

	addr := fmt.Sprintf(":%d", cfg.MetricsPort)
	go func() {
		logger.Info("ingest-consumer listening", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// ── Graceful Shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("initiating graceful shutdown")
	case amqpErr := <-brokerClient.NotifyClose():
		// Unacked deliveries requeue on the broker; shut down and let the
		// orchestrator restart us.
		if amqpErr != nil {
			logger.Error("broker connection lost", zap.Error(amqpErr))
		} else {
			logger.Info("broker connection closed")
		}
	}

	consumerCancel()
	select {
	case <-ingest.Done():
	case <-time.After(5 * time.Second):
		logger.Warn("consumer did not stop in time")
	}

	if reloader != nil {
		reloader.Stop()
	}
	if bulk != nil {
		bulk.Close()
	}
	if err := brokerClient.Close(); err != nil {
		logger.Error("broker close error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	logger.Info("ingest-consumer shut down cleanly")
}
