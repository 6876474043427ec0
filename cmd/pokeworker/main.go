package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"pokeworker/internal/pokeworker"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("POKEWORKER_CONFIG"), "path to pokeworker.yaml")
	verbose := pflag.BoolP("verbose", "v", false, "Verbose output")
	reinstall := pflag.Bool("reinstall", false, "install and activate even if the current generation is already active")
	unregister := pflag.Bool("unregister", false, "drop every cache generation and exit")
	pflag.Parse()

	cfg, err := pokeworker.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.SetLevel(cfg.LogLevel())
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	st, err := pokeworker.OpenStorage(cfg.Cache.Path, cfg.MaxBytes())
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	if *unregister {
		if err := pokeworker.Unregister(st); err != nil {
			log.Fatal(err)
		}
		log.Info("worker unregistered")
		return
	}

	client := &http.Client{}
	w, err := pokeworker.NewWorker(pokeworker.Options{
		Generation: cfg.Cache.Name,
		Manifest:   pokeworker.BuildManifest(cfg.Server.Origin),
		Storage:    st,
		Fetcher:    client,
		Router:     pokeworker.NewHostRouter(cfg.Strategy.NetworkFirstHosts),
		Notifier:   cfg.Notifier(client),
		Permission: pokeworker.Permission(cfg.Notifications.Permission),
		StatsEvery: cfg.StatsEvery(),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer w.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = pokeworker.Register(ctx, w, pokeworker.RegisterOptions{
		Reinstall: *reinstall,
		OnUpdate: func(w *pokeworker.Worker) {
			log.WithField("generation", w.Generation()).Info("new content will be served from now on")
		},
	})
	if err != nil {
		// The worker stays registered but never activates; requests are
		// passed straight to the network.
		log.WithError(err).Error("worker registration failed")
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}

	srv := &http.Server{
		Handler:           pokeworker.NewHandler(w, cfg.Server.Origin),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(log.Fields{"addr": addr, "origin": cfg.Server.Origin}).Info("pokeworker listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
