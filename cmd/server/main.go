// File transfer service
//
// Features:
//   - Two-tier streaming upload pipeline (public EdgeProxy, internal
//     loopback-only StreamPipeline with a subprocess decoder chain)
//   - Resumable chunked uploads with torn-merge crash recovery
//   - Range-aware downloads with ETag/If-Range preconditions
//   - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fileport/filegate/internal/api"
	"github.com/fileport/filegate/internal/config"
	"github.com/fileport/filegate/internal/logging"
	"github.com/fileport/filegate/internal/metrics"
	"github.com/fileport/filegate/internal/pipeline"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON config file")
	keyringPath := flag.String("pgp-keyring", "", "path to the OpenPGP private keyring used to decrypt Aes-Key headers")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("file transfer service starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("internal", cfg.InternalAddr),
		zap.String("metrics", cfg.MetricsAddr))

	var keyring *pipeline.Keyring
	if *keyringPath != "" {
		f, err := os.Open(*keyringPath)
		if err != nil {
			logging.Fatal("failed to open PGP keyring", zap.Error(err))
		}
		keyring, err = pipeline.NewKeyring(f)
		f.Close()
		if err != nil {
			logging.Fatal("failed to load PGP keyring", zap.Error(err))
		}
	} else {
		logging.Warn("no PGP keyring configured, AES-encrypted uploads will be rejected")
	}

	srv := api.NewServer(cfg, keyring)
	defer srv.Close()

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	internalServer := &http.Server{Addr: cfg.InternalAddr, Handler: srv.InternalMux()}
	go func() {
		logging.Info("internal pipeline server listening", zap.String("addr", cfg.InternalAddr))
		if err := internalServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("internal server error", zap.Error(err))
		}
	}()

	publicServer := &http.Server{Addr: cfg.ListenAddr, Handler: srv.PublicMux()}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down")
		cancel()
		publicServer.Close()
		internalServer.Close()
		metricsServer.Close()
	}()

	logging.Info("public server listening", zap.String("addr", cfg.ListenAddr))
	if err := publicServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}
