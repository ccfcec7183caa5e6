// Command server is the alephauto entry point: it wires the full job
// queue core and runs the gateway and/or the worker runtime depending on
// RUN_SERVER/RUN_WORKER (spec.md §6).
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alephauto/alephauto/internal/app"
	"github.com/alephauto/alephauto/internal/logger"
)

func main() {
	mode := os.Getenv("NODE_ENV")
	log, err := logger.New(mode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	a, err := app.New(log, nil)
	if err != nil {
		log.Fatal("failed to initialize application", "error", err.Error())
		os.Exit(1)
	}

	if a.Cfg.RunWorker {
		a.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	if a.Cfg.RunServer {
		go func() {
			serverErr <- a.Run(":" + strconv.Itoa(a.Cfg.APIPort))
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error("gateway exited unexpectedly", "error", err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown did not complete cleanly", "error", err.Error())
		os.Exit(1)
	}

	if !a.Cfg.RunServer && !a.Cfg.RunWorker {
		log.Warn("neither RUN_SERVER nor RUN_WORKER is enabled; exiting")
	}
}
