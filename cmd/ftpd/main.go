// Command ftpd runs an FTP/FTPS server backed by a JSON user store.
//
//	ftpd --config /etc/ftpd/ftpd.yaml
//	ftpd hash-password secret
//
// SIGHUP reloads the user store; SIGINT and SIGTERM shut the server down.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gonzalop/ftpd/config"
	"github.com/gonzalop/ftpd/ftps"
	"github.com/gonzalop/ftpd/metrics"
	"github.com/gonzalop/ftpd/processor"
	"github.com/gonzalop/ftpd/server"
	"github.com/gonzalop/ftpd/userstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Error("ftpd_failed", zap.Error(err))
		os.Exit(1)
	}
}

func hashPassword(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: ftpd hash-password PASSWORD")
	}
	h, err := userstore.HashPassword(args[0])
	if err != nil {
		return err
	}
	fmt.Println(h)
	return nil
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	var zc zap.Config
	switch format {
	case "json", "":
		zc = zap.NewProductionConfig()
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// disabledCommands expands the group names "legacy", "active", "write" and
// "site" into their verbs.
func disabledCommands(names []string) []string {
	var out []string
	for _, n := range names {
		switch strings.ToLower(n) {
		case "legacy":
			out = append(out, processor.LegacyCommands...)
		case "active":
			out = append(out, processor.ActiveModeCommands...)
		case "write":
			out = append(out, processor.WriteCommands...)
		case "site":
			out = append(out, processor.SiteCommands...)
		default:
			out = append(out, strings.ToUpper(n))
		}
	}
	return out
}

func fileSystem(kind string) server.FileSystemFactory {
	if kind == "memory" {
		return server.MemFileSystem(afero.NewMemMapFs())
	}
	return server.OSFileSystem
}

func run(cfg *config.Config, logger *zap.Logger) error {
	users, err := userstore.Load(cfg.UsersFile,
		userstore.WithHomeRoot(cfg.HomeRoot),
		userstore.WithAnonymous(cfg.AnonymousHome),
		userstore.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	proc, err := processor.New(
		processor.WithLogger(logger),
		processor.WithDisableCommands(disabledCommands(cfg.DisabledCommands)...),
		processor.WithDirMessage(cfg.DirMessage),
	)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return err
	}

	sv := server.NewSupervisor(server.WithSupervisorLogger(logger))

	opts := []server.Option{
		server.WithProcessor(proc),
		server.WithUserStore(users),
		server.WithFileSystem(fileSystem(cfg.FileSystem)),
		server.WithLogger(logger),
		server.WithSupervisor(sv),
		server.WithEventSink(collector),
		server.WithName(cfg.Name),
		server.WithWelcomeMessage(cfg.WelcomeMessage),
		server.WithPassivePorts(cfg.PassivePorts),
		server.WithPassiveAddress(cfg.PassiveBind, cfg.PassiveAdvertise),
		server.WithMaxIdleTime(cfg.IdleTimeout),
		server.WithDataTimeout(cfg.DataTimeout),
		server.WithWriteTimeout(cfg.WriteTimeout),
		server.WithPortIPCheck(cfg.PortIPCheck),
		server.WithMaxConnections(cfg.MaxConnections, cfg.MaxConnectionsPerIP),
		server.WithBandwidthLimit(cfg.BandwidthGlobal, cfg.BandwidthPerSession),
	}
	if cfg.TLS.Enabled() {
		provider, err := ftps.NewProvider(cfg.TLS.ProviderConfig(), ftps.WithLogger(logger))
		if err != nil {
			return err
		}
		opts = append(opts,
			server.WithSecureProvider(provider),
			server.WithImplicitTLS(cfg.ImplicitTLS),
			server.WithTLSProtocol(cfg.TLS.Protocol),
			server.WithDataTLSPolicy(cfg.TLS.DataPolicy),
			server.WithActiveTLSClientRole(cfg.TLS.ActiveClientRole),
		)
	}

	srv, err := server.NewServer(cfg.Listen, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sv.Start(ctx)
	defer sv.Stop()

	if err := srv.Start(); err != nil {
		return err
	}

	var admin *http.Server
	if cfg.MetricsAddr != "" {
		admin = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           adminHandler(reg, sv, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("admin_listening", zap.String("addr", cfg.MetricsAddr))
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin_server_failed", zap.Error(err))
			}
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	for sig := range signals {
		if sig == syscall.SIGHUP {
			if err := users.Reload(); err != nil {
				logger.Warn("user_store_reload_failed", zap.Error(err))
			}
			continue
		}
		logger.Info("shutdown_requested", zap.Stringer("signal", sig))
		break
	}

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if admin != nil {
		if err := admin.Shutdown(sctx); err != nil {
			logger.Warn("admin_shutdown_failed", zap.Error(err))
		}
	}
	return srv.Shutdown(sctx)
}
