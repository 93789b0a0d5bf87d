package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"granary.org/internal/entitlement"
	"granary.org/internal/events"
	"granary.org/internal/httpapi"
	"granary.org/internal/jobs"
	"granary.org/internal/obs"
	"granary.org/internal/store/pg"
)

var version = "0.3.0"

func main() {
	// Observability first: metric registration, build info gauge.
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("GRANARY_BUILD_COMMIT"))

	var (
		svc   entitlement.Service
		probe httpapi.ReadyProbe
		store *pg.Store
	)
	if dsn := os.Getenv("GRANARY_PG_DSN"); dsn != "" {
		var err error
		store, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		svc = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		svc = entitlement.NewInMemory()
	}

	// Event fan-out: SSE stream always, audit log always, redis when
	// configured.
	stream := events.NewStream()
	sinks := []events.Sink{stream, events.LogSink{}}
	var redisSink *events.RedisSink
	if addr := os.Getenv("GRANARY_REDIS_ADDR"); addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		sink, err := events.NewRedisSink(ctx, addr)
		cancel()
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		redisSink = sink
		sinks = append(sinks, sink)
	}
	sink := events.NewMultiSink(sinks...)

	entitler := entitlement.NewEntitler(svc, sink)

	scheduler := jobs.NewScheduler(8)
	scheduler.Register(jobs.EntitleByProductsKey, jobs.NewEntitleByProductsHandler(entitler))

	api := httpapi.New(httpapi.Config{
		Service:     svc,
		Entitler:    entitler,
		Scheduler:   scheduler,
		Stream:      stream,
		ReadyProbe:  probe,
		Version:     version,
		RequireAuth: os.Getenv("GRANARY_AUTH_SECRET") != "",
	})

	handler := api.Handler()
	handler = httpapi.RateLimit(handler, 50, 25)
	handler = httpapi.MaxBodyBytes(handler, 1<<20)
	handler = httpapi.CORS(handler)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.Logging(handler)

	addr := os.Getenv("GRANARY_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting granary-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = scheduler.Stop(ctx)
	if redisSink != nil {
		_ = redisSink.Close()
	}
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}
