package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/totegamma/relaykit/client"
	"github.com/totegamma/relaykit/internal/config"
	"github.com/totegamma/relaykit/internal/infra/database"
	"github.com/totegamma/relaykit/internal/infra/gateway"
	"github.com/totegamma/relaykit/internal/infra/repository"
	"github.com/totegamma/relaykit/internal/present/rest"
	"github.com/totegamma/relaykit/internal/present/rest/middleware"
	"github.com/totegamma/relaykit/internal/service"
	"github.com/totegamma/relaykit/internal/usecase"
)

func main() {
	configPath := flag.String("c", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	db, err := database.NewPostgres(cfg.Server.PostgresDsn)
	if err != nil {
		panic("failed to connect database")
	}

	err = database.MigratePostgres(db)
	if err != nil {
		panic("failed to migrate database")
	}

	rdb := database.NewRedis(cfg.Server.RedisAddr, "", cfg.Server.RedisDB)

	var mc *memcache.Client
	if cfg.Server.MemcachedAddr != "" {
		mc = database.NewMemcached(cfg.Server.MemcachedAddr)
	}

	if cfg.Server.EnableTrace {
		cleanup := setupTrace(cfg.Server.TraceEndpoint)
		defer cleanup()
	}

	transport := client.New()
	store := repository.NewEventRepository(db)
	directory := gateway.NewDirectory(transport, mc, cfg.Network.BootstrapEndpoints)
	signalService := service.NewSignalService(rdb)
	decrypt := service.NewDecryptService(cfg.Identity.SignerURL)

	syncUC := usecase.NewSyncUsecase(store, transport, directory, decrypt, signalService)
	publishUC := usecase.NewPublishUsecase(transport, directory, signalService)

	handler := rest.NewHandler(cfg, syncUC, publishUC, signalService)

	e := echo.New()
	e.Use(echomiddleware.Logger())
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	if cfg.Server.EnableTrace {
		e.Use(otelecho.Middleware("relayd"))
	}

	auth := middleware.NewAuthMiddleware(cfg.Server.AuthToken)
	e.Use(auth.RequireToken)

	handler.RegisterRoutes(e)

	listen := cfg.Server.Listen
	if listen == "" {
		listen = ":8000"
	}

	go func() {
		if err := e.Start(listen); err != nil && err != http.ErrServerClosed {
			slog.Error("server stopped", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down server", slog.String("error", err.Error()))
	}
}

func setupTrace(endpoint string) func() {
	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		slog.Error("failed to create trace exporter", slog.String("error", err.Error()))
		return func() {}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("relayd"),
		)),
	)
	otel.SetTracerProvider(tp)

	return func() {
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("failed to shut down tracer", slog.String("error", err.Error()))
		}
	}
}
