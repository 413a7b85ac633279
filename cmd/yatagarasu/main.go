// Package main is the entry point for the Yatagarasu reverse-proxy server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yatagarasu/yatagarasu/internal/auth"
	"github.com/yatagarasu/yatagarasu/internal/cache"
	"github.com/yatagarasu/yatagarasu/internal/cache/disktier"
	"github.com/yatagarasu/yatagarasu/internal/cache/memtier"
	"github.com/yatagarasu/yatagarasu/internal/config"
	"github.com/yatagarasu/yatagarasu/internal/logging"
	"github.com/yatagarasu/yatagarasu/internal/metrics"
	"github.com/yatagarasu/yatagarasu/internal/pipeline"
	"github.com/yatagarasu/yatagarasu/internal/reload"
	"github.com/yatagarasu/yatagarasu/internal/resource"
	"github.com/yatagarasu/yatagarasu/internal/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config)")
	host := flag.String("host", "", "override listening address (default: from config)")
	watchConfig := flag.Bool("watch-config", false, "also reload on writes to the config file, in addition to SIGHUP and POST /admin/reload")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Address = *host
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	metrics.Register()

	gen, err := pipeline.BuildGeneration(cfg, 1)
	if err != nil {
		slog.Error("failed to build initial generation", "error", err)
		os.Exit(1)
	}

	mem := memtier.New(cfg.Cache.Memory.MaxCapacityBytes, time.Duration(cfg.Cache.Memory.TTLSeconds)*time.Second)
	defer mem.Close()

	var disk cache.Tier
	if cfg.Cache.Disk != nil {
		backend, err := disktier.NewPortableBackend(cfg.Cache.Disk.Path, 8)
		if err != nil {
			slog.Error("failed to open disk cache backend", "error", err, "path", cfg.Cache.Disk.Path)
			os.Exit(1)
		}
		if err := backend.CleanTempFiles(); err != nil {
			slog.Warn("failed to clean disk cache temp files", "error", err)
		}
		diskTier, err := disktier.Open(backend, cfg.Cache.Disk.Path+"/index.log", cfg.Cache.Disk.MaxSize)
		if err != nil {
			slog.Error("failed to mount disk cache tier", "error", err)
			os.Exit(1)
		}
		disk = diskTier
	}

	tiered := cache.New(mem, disk)

	admission := resource.NewAdmission(cfg.Server.MaxConcurrentRequests)

	monitor, err := resource.NewMonitor(resource.Limits{
		MaxFileDescriptors: cfg.Resource.MaxFileDescriptors,
		MaxRSSBytes:        cfg.Resource.MaxRSSBytes,
	})
	if err != nil {
		slog.Warn("resource monitor unavailable, proceeding without pressure gating", "error", err)
		monitor = nil
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	if monitor != nil {
		monitor.Start(rootCtx, cfg.Resource.SampleInterval())
		defer monitor.Stop()
	}

	p := pipeline.New(gen, tiered, admission, monitor)

	reloadCtl := reload.New(*configPath, p, cfg, 1)
	go reloadCtl.WatchSignal(rootCtx)
	if *watchConfig {
		if err := reloadCtl.WatchFile(rootCtx); err != nil {
			slog.Warn("config file watch unavailable", "error", err)
		}
	}

	var adminAuth *auth.Authenticator
	if cfg.JWT.Enabled {
		adminAuth, err = auth.New(cfg.JWT)
		if err != nil {
			slog.Error("failed to build admin authenticator", "error", err)
			os.Exit(1)
		}
	}

	srv := server.New(p, reloadCtl, adminAuth)

	addr := cfg.Server.Addr()
	errCh := make(chan error, 1)
	go func() {
		slog.Info("yatagarasu listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace())
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		slog.Info("server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}
