// Command poller is the GPON polling engine's process entrypoint: it wires
// storage, locks, the downstream submission runtime, the polling core, the
// janitor, and the observability HTTP surface together, then blocks until
// signaled.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/gponmesh/pollengine/internal/config"
	"github.com/gponmesh/pollengine/internal/httpapi"
	"github.com/gponmesh/pollengine/internal/janitor"
	"github.com/gponmesh/pollengine/internal/locks"
	"github.com/gponmesh/pollengine/internal/logging"
	"github.com/gponmesh/pollengine/internal/otelinit"
	"github.com/gponmesh/pollengine/internal/pollcore"
	"github.com/gponmesh/pollengine/internal/resilience"
	"github.com/gponmesh/pollengine/internal/snmpexec"
	"github.com/gponmesh/pollengine/internal/store"
)

func main() {
	service := "poller"
	log := logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)

	cfg := config.Load()

	st, err := store.Open(cfg.DBPath, otel.GetMeterProvider().Meter("pollengine"))
	if err != nil {
		log.Error("store open failed", "err", err)
		return
	}
	defer st.Close()

	rdb := redis.NewClient(parseRedisOptions(cfg.RedisURL))
	defer rdb.Close()
	lockHelper := locks.New(rdb)

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		log.Error("nats connect failed", "err", err)
		return
	}
	defer nc.Drain()

	breaker := resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 20, 0.5, 15*time.Second, 3)
	runtime := snmpexec.NewNATSRuntime(nc, breaker)

	engine := pollcore.NewEngine(pollcore.Config{
		StartPollers: cfg.StartPollers,
		QueueMaxSize: cfg.QueueMaxSize,
		NodeLockTTL:  cfg.NodeLockTTL,
		ChainLockTTL: cfg.ChainLockTTL,
	}, st, lockHelper, runtime, pollcore.RealClock, log)

	if err := engine.Start(ctx, runtime); err != nil {
		log.Error("engine start failed", "err", err)
		return
	}
	defer engine.Stop()

	jan := janitor.New(st, runtime, cfg.JanitorPendingMaxAge, cfg.DeliveryCheckAge, log)
	if err := jan.Start(ctx); err != nil {
		log.Error("janitor start failed", "err", err)
		return
	}
	defer jan.Stop()

	limiter := resilience.NewRateLimiter(200, 50, time.Second, 400)
	api := httpapi.New(engine, st, limiter, log)

	mux := http.NewServeMux()
	api.Register(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	srv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "err", err)
			cancel()
		}
	}()

	log.Info("poller started", "start_pollers", cfg.StartPollers, "queue_max_size", cfg.QueueMaxSize)
	<-ctx.Done()
	log.Info("shutdown initiated")

	ctxSd, cancelSd := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSd()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)

	log.Info("shutdown complete")
}

// parseRedisOptions builds redis.Options from a redis:// URL, falling back
// to a bare address if the URL doesn't parse (matches the original system's
// tolerance for a plain host:port REDIS_URL).
func parseRedisOptions(url string) *redis.Options {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return &redis.Options{Addr: url}
	}
	return opts
}
