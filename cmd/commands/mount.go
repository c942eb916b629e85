package commands

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/S1riyS/hugefs/internal/control"
	"github.com/S1riyS/hugefs/internal/fusefs"
	"github.com/S1riyS/hugefs/internal/gc"
	"github.com/S1riyS/hugefs/internal/handler"
	"github.com/S1riyS/hugefs/internal/service"
	"github.com/S1riyS/hugefs/pkg/logging"
	"github.com/S1riyS/hugefs/pkg/logging/slogext"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var (
	mountDebug     bool
	mountpointFlag string
)

var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Mount the filesystem and serve it until interrupted",
	Long: `Mount opens the metadata database and content stores, reaps inodes left
orphaned by a crash, starts background garbage collection and the admin API,
and serves the filesystem until SIGINT or SIGTERM.

Examples:
  # Mount at the configured mountpoint
  hugefs mount

  # Mount somewhere else with FUSE debug output
  hugefs mount --mountpoint /mnt/archive --debug`,
	RunE: runMount,
}

func init() {
	mountCmd.Flags().StringVar(&mountpointFlag, "mountpoint", "", "override app.mountpoint")
	mountCmd.Flags().BoolVar(&mountDebug, "debug", false, "log every FUSE request")
}

func runMount(cmd *cobra.Command, args []string) error {
	const op = "commands.mount"

	ctx, cfg, err := setup()
	if err != nil {
		return err
	}
	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	mountpoint := cfg.App.Mountpoint
	if mountpointFlag != "" {
		mountpoint = mountpointFlag
	}

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	reclaim, reaped, err := b.meta.ReapOrphans(ctx)
	if err != nil {
		return err
	}
	if err := b.content.Release(ctx, reclaim); err != nil {
		logger.Warn("Failed to release reaped content", slogext.Err(err))
	}
	if reaped > 0 {
		logger.Info("Reaped orphaned inodes", slog.Int("count", reaped))
	}

	fs := service.NewFileSystemService(b.meta, b.content, b.metrics, service.Options{
		SealOnRelease:  cfg.App.SealsOnRelease(),
		MaxSymlinkHops: cfg.App.MaxSymlinkHops,
		StatFsPath:     cfg.Content.Root,
	})
	collector := gc.NewCollector(b.meta, b.content, b.metrics)
	dispatcher := control.NewDispatcher(fs, collector)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go collector.Run(ctx, cfg.GC.Interval, &gc.Options{DryRun: cfg.GC.DryRun})

	var httpServer *http.Server
	if cfg.HTTP.Enabled {
		httpServer = &http.Server{
			Addr:              cfg.HTTP.Address,
			Handler:           handler.NewRouter(ctx, handler.NewHandler(dispatcher), b.metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("Admin API listening", slog.String("address", cfg.HTTP.Address))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Admin API stopped", slogext.Err(err))
			}
		}()
	}

	raw, err := fusefs.New(ctx, fs, dispatcher, fusefs.Options{
		Timeout:      cfg.App.DefaultTimeout,
		EntryTimeout: cfg.App.EntryTimeout,
	})
	if err != nil {
		return err
	}
	server, err := raw.Mount(mountpoint, fusefs.MountOptions{AllowOther: cfg.App.AllowOther, Debug: mountDebug})
	if err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to stop admin API", slogext.Err(err))
		}
	}

	if err := server.Unmount(); err != nil {
		logger.Error("Failed to unmount", slog.String("mountpoint", mountpoint), slogext.Err(err))
		return err
	}
	server.Wait()
	logger.Info("Unmounted", slog.String("mountpoint", mountpoint))
	return nil
}
