// Command miel is the entry point for the honeypot core: `miel
// <config_file>`. Exits 0 on clean shutdown, 1 on configuration load or
// controller initialization failure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/b0cal/miel/internal/config"
	"github.com/b0cal/miel/internal/controller"
	"github.com/b0cal/miel/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: miel <config_file>\n")
		return 1
	}
	configPath := os.Args[1]

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "miel: configuration load failed: %v\n", err)
		return 1
	}

	log, err := logging.New("info", "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "miel: logging init failed: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	ctrl, err := controller.New(configPath, cfg, log)
	if err != nil {
		log.Sugar().Errorw("miel: controller initialization failed", "err", err)
		return 1
	}

	if cfg.WebUIEnabled {
		go serveMetrics(cfg.WebUIPort, ctrl, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	runDone := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(runDone)
	}()

	<-shutdown
	log.Sugar().Info("miel: shutting down")
	cancel()
	ctrl.Shutdown()
	<-runDone

	log.Sugar().Info("miel: shutdown complete")
	return 0
}

// serveMetrics mounts the Prometheus /metrics endpoint on web_ui_port.
// The dashboard's own routes and static assets live in a separate
// process; the core only exposes this read surface for it to sit behind.
func serveMetrics(port int, ctrl *controller.Controller, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", ctrl.Metrics().Handler())
	addr := fmt.Sprintf(":%d", port)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Sugar().Warnw("miel: metrics server stopped", "err", err)
	}
}
