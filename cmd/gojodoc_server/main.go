package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodoc/api/docserver"
	"github.com/sushant-115/gojodoc/config/certs"
	storageengine "github.com/sushant-115/gojodoc/core/storage_engine"
	"github.com/sushant-115/gojodoc/pkg/logger"
	"github.com/sushant-115/gojodoc/pkg/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	addr := flag.String("addr", "localhost:9090", "TCP address to listen on")
	dbPath := flag.String("db", "", "database file (overrides the config file)")
	tlsDir := flag.String("tls-dir", "", "directory with ca.crt, server.crt and server.key; enables mutual TLS")
	flag.Parse()

	if err := run(*configPath, *addr, *dbPath, *tlsDir); err != nil {
		fmt.Fprintf(os.Stderr, "gojodoc_server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addr, dbPath, tlsDir string) error {
	cfg := storageengine.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = storageengine.LoadConfig(configPath); err != nil {
			return err
		}
	}
	if dbPath != "" {
		cfg.Path = dbPath
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	engine, err := storageengine.Open(ctx, cfg, log, tel)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", cfg.Path, err)
	}

	ln, err := listen(addr, tlsDir)
	if err != nil {
		_ = engine.Close(context.Background())
		return err
	}
	log.Info("GoJoDoc server started",
		zap.String("address", ln.Addr().String()),
		zap.String("database", cfg.Path),
		zap.Bool("tls", tlsDir != ""))

	serveErr := docserver.NewServer(engine, log).Serve(ctx, ln)
	log.Info("shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, engine.Close(closeCtx))
}


func listen(addr, tlsDir string) (net.Listener, error) {
	var tlsConfig *tls.Config
	if tlsDir != "" {
		var err error
		if tlsConfig, err = certs.ServerConfig(tlsDir); err != nil {
			return nil, err
		}
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	return ln, nil
}
