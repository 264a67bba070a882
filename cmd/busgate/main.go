package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/busgate/internal/bus"
	"github.com/gaspardpetit/busgate/internal/config"
	"github.com/gaspardpetit/busgate/internal/frame"
	"github.com/gaspardpetit/busgate/internal/logx"
	"github.com/gaspardpetit/busgate/internal/metrics"
	"github.com/gaspardpetit/busgate/internal/server"
	"github.com/gaspardpetit/busgate/internal/serverstate"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	cfg, err := config.Load("busgate", os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if cfg.ShowVersion {
		fmt.Printf("busgate version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("config")
	}

	codec, err := frame.CodecFor(cfg.FrameCodec)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("frame codec")
	}
	b, err := bus.Open(cfg.BusURL, codec)
	if err != nil {
		logx.Log.Fatal().Err(err).Str("bus", bus.Scheme(cfg.BusURL)).Msg("connect bus")
	}
	defer b.Close()
	logx.Log.Info().Str("bus", bus.Scheme(cfg.BusURL)).Str("codec", codec.Name()).Msg("bus connected")

	handler := server.New(cfg, b)
	metrics.SetServerBuildInfo(version, buildSHA, buildDate)
	srv := &http.Server{Addr: cfg.ListenAddr(), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	var metricsSrv *http.Server
	if !cfg.MetricsOnMainPort() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if serverstate.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			serverstate.StartDrain()
			logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Int64("in_flight", serverstate.InFlight().Load()).Msg("draining; send SIGTERM again to terminate immediately")
			go func(d time.Duration) {
				drainCtx := ctx
				if d > 0 {
					var stop context.CancelFunc
					drainCtx, stop = context.WithTimeout(ctx, d)
					defer stop()
				}
				if serverstate.InFlight().WaitForZero(drainCtx) {
					logx.Log.Info().Msg("drained")
				} else {
					logx.Log.Warn().Msg("drain timeout exceeded; terminating")
				}
				cancel()
			}(cfg.DrainTimeout)
		}
	}()
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
	}()
	if metricsSrv != nil {
		go func() {
			<-ctx.Done()
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}()
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	serverstate.SetState(serverstate.StateReady)
	logx.Log.Info().Str("addr", cfg.ListenAddr()).Str("version", version).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}
