package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synapse/exchange/internal/config"
	"github.com/synapse/exchange/internal/evaluator"
	"github.com/synapse/exchange/internal/exchange"
	"github.com/synapse/exchange/internal/github"
	"github.com/synapse/exchange/internal/metrics"
	"github.com/synapse/exchange/internal/session"
	"github.com/synapse/exchange/internal/spectator"
	"github.com/synapse/exchange/internal/store"
	"github.com/synapse/exchange/internal/tape"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err == nil {
		log.Println("loaded .env")
	}
	cfg := config.FromEnv()

	log.Printf("starting synapse exchange (port %d, spectator %d)", cfg.Port, cfg.SpectatorPort)

	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := pg.EnsureSchema(ctx); err != nil {
			cancel()
			log.Fatalf("schema: %v", err)
		}
		cancel()
		st = pg
		defer pg.Close()
		log.Println("persistence enabled")
	} else {
		log.Println("DATABASE_URL unset, running in-memory")
	}

	var eval evaluator.Evaluator
	if cfg.EvaluatorURL != "" {
		eval = evaluator.NewHTTPEvaluator(cfg.EvaluatorURL)
		log.Printf("evaluator at %s", cfg.EvaluatorURL)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(registry)

	ex := exchange.New(cfg, st, eval, met)
	defer ex.Close()

	if cfg.RedisURL != "" {
		mirror, err := tape.NewRedisMirror(cfg.RedisURL, tape.DefaultChannel)
		if err != nil {
			log.Fatalf("redis mirror: %v", err)
		}
		ex.Tape().SetMirror(mirror)
		defer mirror.Close()
		log.Printf("tape mirrored to redis channel %s", tape.DefaultChannel)
	}

	// Agent-facing websocket server.
	sessions := session.NewServer(ex)
	agentSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: sessions.Handler(),
	}

	// Spectator server: observer stream, snapshot, demo, metrics, webhooks.
	spec := spectator.New(ex, st, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router := spec.Router()
	router.Handle("/webhooks/github", github.NewIngress(ex, cfg).Handler())
	spectatorSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.SpectatorPort),
		Handler: router,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Printf("agent endpoint listening on :%d", cfg.Port)
		errCh <- agentSrv.ListenAndServe()
	}()
	go func() {
		log.Printf("spectator endpoint listening on :%d", cfg.SpectatorPort)
		errCh <- spectatorSrv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	agentSrv.Shutdown(ctx)
	spectatorSrv.Shutdown(ctx)
}
