package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/combiner-sh/combiner/internal/arbiter"
	"github.com/combiner-sh/combiner/internal/metrics"
	"github.com/combiner-sh/combiner/internal/server"
	"github.com/combiner-sh/combiner/internal/supervisor"
)

func createRunCommand(c cli, flags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Become the supervisor for the data dir",
		Long: `Run acquires the data dir's exclusive lock and supervises the
registered entries until interrupted or a shutdown command arrives.
If another supervisor already holds the lock, run refuses to start.

Examples:
  combiner run --autostart
  combiner run --headless --listen 127.0.0.1:9911`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.Headless && !isDaemonChild() {
				return daemonize(c.flags.DataDir)
			}
			return runSupervisor(c, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Headless, "headless", false, "detach and keep supervising in the background")
	cmd.Flags().BoolVar(&flags.AutoStart, "autostart", false, "start all enabled entries immediately")
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "serve the read-only HTTP API on this address")
	return cmd
}

func runSupervisor(c cli, flags *RunFlags) error {
	level := slog.LevelInfo
	if c.flags.Verbose {
		level = slog.LevelDebug
	}
	interactive := !isDaemonChild()
	log := supervisor.DaemonLogger(c.flags.DataDir, level, interactive)
	slog.SetDefault(log)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	sup, err := supervisor.New(c.flags.DataDir, supervisor.Options{
		AutoStart: flags.AutoStart,
		Logger:    log,
	})
	if errors.Is(err, arbiter.ErrSupervisorRunning) {
		return fmt.Errorf("%w; inspect it with: combiner status", err)
	}
	if err != nil {
		return err
	}

	listen := flags.Listen
	if listen == "" {
		listen = sup.Registry().Settings().Listen
	}
	var srv *http.Server
	if listen != "" {
		srv = server.NewServer(listen, sup)
		log.Info("read-only api listening", "addr", listen)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = sup.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return err
}
