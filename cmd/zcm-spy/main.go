package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"zcm/internal/config"
	"zcm/internal/core/datagram"
	"zcm/internal/core/dispatch"
	"zcm/internal/core/network"
	"zcm/internal/observability"
	"zcm/internal/spy"
	"zcm/internal/spyapi"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath string
		url     string
		addr    string
		pattern string
		level   string
	)
	fs := pflag.NewFlagSet("zcm-spy", pflag.ContinueOnError)
	fs.StringVarP(&cfgPath, "config", "c", "", "path to zcm.yaml")
	fs.StringVarP(&url, "url", "u", "", "transport url, e.g. udpm://239.255.76.67:7667?ttl=0")
	fs.StringVar(&addr, "addr", "", "http listen address")
	fs.StringVarP(&pattern, "pattern", "p", "", "channel pattern to track")
	fs.StringVar(&level, "log-level", "", "debug, info, warn or error")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if fs.Changed("url") {
		cfg.URL = url
	}
	if fs.Changed("addr") {
		cfg.HTTP.Listen = addr
	}
	if fs.Changed("pattern") {
		cfg.Spy.Pattern = pattern
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	reg := network.NewRegistry()
	if err := network.RegisterBuiltins(reg, logger); err != nil {
		return err
	}
	medium, err := reg.Open(cfg.URL)
	if err != nil {
		return err
	}
	if p2p, ok := medium.(*network.Libp2pMedium); ok {
		logger.Info("libp2p medium ready",
			zap.String("peer_id", p2p.PeerID()),
			zap.Strings("addrs", p2p.ListenAddrs()))
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	transport, err := datagram.New(medium, datagram.Options{
		Reassembly:       cfg.Reassembly.Fragment(),
		FilterByInterest: cfg.Transport.FilterByInterest,
		Logger:           logger,
		Registerer:       promReg,
		ReportInterval:   cfg.Transport.ReportInterval,
	})
	if err != nil {
		return multierr.Append(err, medium.Close())
	}

	zcmc := dispatch.NewBlocking(transport, dispatch.BlockingOptions{
		SendQueue: cfg.Transport.SendQueue,
		RecvQueue: cfg.Transport.RecvQueue,
		Logger:    logger,
	})
	defer func() {
		if err := zcmc.Close(); err != nil {
			logger.Warn("close transport", zap.Error(err))
		}
	}()

	tracker := spy.NewTracker(cfg.Spy.Window)
	if _, err := tracker.Attach(zcmc, cfg.Spy.Pattern); err != nil {
		return err
	}
	if err := zcmc.Start(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	spyapi.NewServer(tracker, zcmc, transport).Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("zcm-spy listening",
			zap.String("addr", cfg.HTTP.Listen),
			zap.String("url", cfg.URL),
			zap.String("pattern", cfg.Spy.Pattern))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errc:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	zcmc.Stop()
	return srv.Shutdown(shutdownCtx)
}
