// Command healerd runs the process self-healing daemon: it loads a target
// configuration, supervises each target with a pid/network/exit-tracepoint
// monitor, and spawns a replacement process when a target goes down,
// subject to a per-target circuit breaker and dependency-aware defer/retry
// policy. The CLI uses a cobra root command with a persistent --config flag
// and backgrounds itself via a re-exec with Setsid.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/openeuler-mirror/process-healer/internal/auth"
	"github.com/openeuler-mirror/process-healer/internal/breaker"
	"github.com/openeuler-mirror/process-healer/internal/config"
	"github.com/openeuler-mirror/process-healer/internal/coordinator"
	"github.com/openeuler-mirror/process-healer/internal/event"
	"github.com/openeuler-mirror/process-healer/internal/eventbus"
	"github.com/openeuler-mirror/process-healer/internal/healer"
	"github.com/openeuler-mirror/process-healer/internal/history"
	"github.com/openeuler-mirror/process-healer/internal/history/factory"
	"github.com/openeuler-mirror/process-healer/internal/logger"
	"github.com/openeuler-mirror/process-healer/internal/metrics"
	"github.com/openeuler-mirror/process-healer/internal/monitor"
	"github.com/openeuler-mirror/process-healer/internal/reaper"
	"github.com/openeuler-mirror/process-healer/internal/reconciler"
	"github.com/openeuler-mirror/process-healer/internal/server"
)

const defaultConfigPath = "/etc/healerd/healer.yaml"

func main() {
	var (
		configPath string
		foreground bool
		printPath  bool
	)

	root := &cobra.Command{
		Use:   "healerd",
		Short: "Process self-healing daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printPath {
				fmt.Println(resolveConfigPath(configPath))
				return nil
			}
			return run(resolveConfigPath(configPath), foreground)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the daemon's YAML configuration file")
	root.Flags().BoolVar(&foreground, "foreground", false, "run attached to the terminal instead of daemonizing")
	root.Flags().BoolVar(&printPath, "print-config-path", false, "print the resolved configuration path and exit")

	hashCmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Bcrypt-hash a password for auth.admin_password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
	root.AddCommand(hashCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv("HEALER_CONFIG"); envPath != "" {
		return envPath
	}
	return defaultConfigPath
}

func run(configPath string, foreground bool) error {
	noDaemon := foreground || os.Getenv("HEALER_NO_DAEMON") != ""
	if !noDaemon {
		if err := daemonize(configPath); err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.ParseLevel(cfg.LogLevel), foreground)
	store := config.NewStore(cfg)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics registration reported an error", "error", err)
	}

	monitorToCoordinator := eventbus.New[event.ProcessEvent]()
	coordinatorToHealer := eventbus.New[event.ProcessEvent]()
	breakers := breaker.NewTable()

	coord := coordinator.New(monitorToCoordinator, coordinatorToHealer, store, log)
	heal := healer.New(coordinatorToHealer, breakers, store, log)
	reap := reaper.New(log)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tp *monitor.ExitTracepoint
	if cfg.EBPFObjectPath != "" {
		tp, err = monitor.LoadExitTracepoint(cfg.EBPFObjectPath, monitorToCoordinator, log)
		if err != nil {
			return fmt.Errorf("load exit-tracepoint monitor: %w", err)
		}
	}

	var rec *reconciler.Reconciler
	if tp != nil {
		rec = reconciler.New(monitorToCoordinator, log, tp, rootCtx)
	} else {
		rec = reconciler.New(monitorToCoordinator, log, nil, rootCtx)
	}

	if err := rec.EnsureTracepointUsable(cfg.Processes); err != nil {
		return err
	}

	var sink history.Sink
	if cfg.History != nil && cfg.History.DSN != "" {
		sink, err = factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			log.Warn("failed to open history sink, audit events will not be recorded", "error", err)
			sink = nil
		} else {
			defer func() { _ = sink.Close() }()
		}
	}
	if sink != nil {
		coord.SetAuditSink(sink)
		heal.SetAuditSink(sink)
	}

	group := make(chan error, 8)
	go func() { group <- coord.Run(rootCtx) }()
	go func() { group <- heal.Run(rootCtx) }()
	go func() { group <- reap.Run(rootCtx) }()
	if tp != nil {
		go func() { group <- tp.Run(rootCtx) }()
	}

	if err := rec.Reconcile(rootCtx, cfg.Processes); err != nil {
		return fmt.Errorf("initial reconcile: %w", err)
	}

	var adminServer *adminHTTPServer
	if cfg.Server != nil && cfg.Server.Listen != "" {
		adminServer, err = startAdminServer(*cfg.Server, coord, breakers, store, rec, log)
		if err != nil {
			log.Warn("admin API failed to start", "error", err)
		}
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, unix.SIGHUP, unix.SIGTERM, unix.SIGINT)

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case unix.SIGHUP:
				reloadConfig(configPath, store, rec, rootCtx, log)
			default:
				log.Info("shutting down", "signal", sig)
				cancel()
				rec.Shutdown()
				if adminServer != nil {
					adminServer.Shutdown()
				}
				return nil
			}
		case err := <-group:
			if err != nil {
				log.Error("a supervision loop exited unexpectedly, shutting down", "error", err)
				cancel()
				rec.Shutdown()
				if adminServer != nil {
					adminServer.Shutdown()
				}
				return err
			}
		}
	}
}

func reloadConfig(configPath string, store *config.Store, rec *reconciler.Reconciler, ctx context.Context, log *slog.Logger) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("config reload failed, keeping previous configuration", "error", err)
		return
	}
	if err := rec.EnsureTracepointUsable(cfg.Processes); err != nil {
		log.Error("config reload rejected", "error", err)
		return
	}
	store.Update(cfg)
	if err := rec.Reconcile(ctx, cfg.Processes); err != nil {
		log.Error("reconcile after reload failed", "error", err)
		return
	}
	log.Info("configuration reloaded", "processes", len(cfg.Processes))
}

type adminHTTPServer struct {
	srv *http.Server
}

func (a *adminHTTPServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.srv.Shutdown(ctx)
}

func startAdminServer(cfg config.ServerConfig, coord *coordinator.Coordinator, breakers *breaker.Table, store *config.Store, rec *reconciler.Reconciler, log *slog.Logger) (*adminHTTPServer, error) {
	var svc *auth.AuthService
	authEnabled := false
	if cfg.Auth != nil && cfg.Auth.Enabled {
		authEnabled = true
		var err error
		svc, err = auth.New(*cfg.Auth)
		if err != nil {
			return nil, err
		}
	}

	addr := cfg.Listen
	if !authEnabled {
		// Without auth the admin API only listens on loopback.
		if _, port, err := net.SplitHostPort(addr); err == nil {
			addr = net.JoinHostPort("127.0.0.1", port)
		}
	}

	router := server.New(coord, breakers, store, rec, svc, authEnabled, cfg.BasePath)
	srv := &http.Server{Addr: addr, Handler: router.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Info("admin API server stopped", "error", err)
		}
	}()
	return &adminHTTPServer{srv: srv}, nil
}
