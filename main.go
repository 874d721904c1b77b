package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"fetchd/config"
	"fetchd/internal/handler"
	"fetchd/internal/limiter"
	"fetchd/internal/netmon"
	"fetchd/internal/repo"
	"fetchd/internal/scheduler"
	"fetchd/internal/throttle"
	"fetchd/internal/transfer"
	"fetchd/router"
)

// main initializes the engine and starts the HTTP server.
func main() {
	config.InitConfig()
	repo.InitSqlite()

	cfg := config.AppConfig
	lim := limiter.New(cfg.LimiterPermits, cfg.LimiterMinDelay)
	tb := throttle.New(cfg.ThrottleRate, cfg.ThrottleBurst)
	mon := netmon.NewMonitor(netmon.ClassUnmetered)
	sched := scheduler.New(scheduler.Options{
		MaxActive:      cfg.MaxActiveTransfers,
		Tick:           cfg.SchedulerTick,
		BackoffBase:    cfg.RetryBackoffBase,
		BackoffCap:     cfg.RetryBackoffCap,
		MaxRetries:     cfg.RetryMax,
		ChunkSize:      cfg.ChunkSize,
		HTTPTimeout:    cfg.HTTPTimeout,
		DeleteOnCancel: cfg.DeleteOnCancel,
		Policy: &transfer.Policy{
			AllowPrivate:    cfg.AllowPrivate,
			AllowedHosts:    cfg.AllowedHosts,
			MaxContentBytes: cfg.MaxContentBytes,
		},
	}, lim, tb, mon)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("scheduler start failed: %v", err)
	}

	handler.Init(sched, mon, tb)
	r := router.InitRouter()
	go func() {
		if err := r.Run(cfg.ListenAddr); err != nil {
			log.Fatalf("http server stopped: %v", err)
		}
	}()

	log.Println("fetchd started on", cfg.ListenAddr)
	<-ctx.Done()
	sched.Stop()
	log.Println("fetchd stopped")
}
