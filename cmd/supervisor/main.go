// Command supervisor is the process entrypoint: it loads configuration,
// opens the event store, wires every per-machine stage and ModbusWorker
// through a Supervisor, and serves the read-only live-frame report surface.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/wrapsafe/supervisor/internal/config"
	"github.com/wrapsafe/supervisor/internal/eventlog"
	"github.com/wrapsafe/supervisor/internal/eventstore"
	"github.com/wrapsafe/supervisor/internal/reportapi"
	"github.com/wrapsafe/supervisor/internal/supervisor"
)

const annotatedFramePushInterval = 200 * time.Millisecond

func main() {
	result := config.Load()
	cfg := result.Config

	store, err := eventstore.Open(cfg.EventStorePath)
	if err != nil {
		log.Println("fatal: cannot open event store:", err)
		os.Exit(1)
	}

	eventLogger := eventlog.NewEventLogger()

	sup := supervisor.New(cfg, store, eventLogger)
	if err := sup.Start(); err != nil {
		log.Println("fatal: supervisor start failed:", err)
		os.Exit(1)
	}

	hub := reportapi.NewHub(sup)
	stopSamplers := make(chan struct{})
	for id := range cfg.Machines {
		go hub.RunSampler(id, annotatedFramePushInterval, stopSamplers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/machine/", func(w http.ResponseWriter, r *http.Request) {
		machineID := strings.TrimPrefix(r.URL.Path, "/ws/machine/")
		if _, ok := cfg.Machines[machineID]; !ok {
			http.NotFound(w, r)
			return
		}
		hub.ServeMachine(w, r, machineID)
	})

	httpServer := &http.Server{Addr: cfg.ReportAddr, Handler: mux}
	go func() {
		log.Println("reportapi: listening on", cfg.ReportAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Println("reportapi: serve error:", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	log.Println("shutdown signal received, stopping")
	close(stopSamplers)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	sup.Stop()
	log.Println("shutdown complete")
}
