package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/sketchrelay/internal/logging"
	"github.com/Tyrowin/sketchrelay/internal/server"
)

func main() {
	cfg := server.NewConfigFromEnv()
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	srv := server.New(*cfg, log)
	srv.Start()

	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutdown requested")
	case err := <-errs:
		if err != nil {
			log.WithError(err).Error("server stopped")
		}
	}

	if err := srv.Shutdown(); err != nil {
		log.WithError(err).Error("shutdown incomplete")
		os.Exit(1)
	}
}
