package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/telebroad/ftpweb/config"
	"github.com/telebroad/ftpweb/filesystem"
	"github.com/telebroad/ftpweb/httphandler"
	"github.com/telebroad/ftpweb/logging"
	"github.com/telebroad/ftpweb/metrics"
	"github.com/telebroad/ftpweb/proxy"
	"github.com/telebroad/ftpweb/remote"
	"github.com/telebroad/ftpweb/remote/ftpclient"
	"github.com/telebroad/ftpweb/remote/sftpclient"
	"github.com/telebroad/ftpweb/session"
	"github.com/telebroad/ftpweb/users"
	"golang.org/x/sync/errgroup"
)

// startupGrace is how long the HTTP server must run before it counts as started
const startupGrace = 500 * time.Millisecond

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ftpweb HTTP server",
	Long: `Start the HTTP server with the configuration from --config,
the default location or the FTPWEB_* environment variables.

Examples:
  # Start with the default configuration
  ftpweb serve

  # Start with a custom config file
  ftpweb serve --config /etc/ftpweb/config.yaml

  # Override a setting from the environment
  FTPWEB_LOGGING_LEVEL=DEBUG ftpweb serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(cfgFile)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("Logger initialized", "level", cfg.Logging.Level, "format", cfg.Logging.Format, "version", Version)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("error starting http server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.run(ctx, ln)
}

// app holds every component serve wires together
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *session.Registry
	proxy    *proxy.Proxy
	handler  *httphandler.Handler
	server   *httphandler.Server
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	dialer, err := newDialer(cfg.Remote, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Server.StagingDir != "" {
		if err := os.MkdirAll(cfg.Server.StagingDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create staging directory: %w", err)
		}
	}

	registry := session.NewRegistry(dialer, session.Options{
		MaxSessions:   cfg.Sessions.MaxSessions,
		IdleTimeout:   cfg.Sessions.IdleTimeout,
		SweepInterval: cfg.Sessions.SweepInterval,
		DialTimeout:   cfg.Remote.DialTimeout,
	})
	registry.SetLogger(logger)

	p := proxy.New(registry, proxy.Options{
		OperationTimeout: cfg.Remote.OperationTimeout,
		TransferTimeout:  cfg.Remote.TransferTimeout,
		StagingDir:       cfg.Server.StagingDir,
		MaxUploadSize:    int64(cfg.Server.MaxUploadSize),
		Protocols:        cfg.Remote.Protocols,
	})
	p.SetLogger(logger)

	handlerOpts := httphandler.Options{
		StaticDir:     cfg.Server.StaticDir,
		MaxUploadSize: int64(cfg.Server.MaxUploadSize),
	}
	if cfg.Metrics.Enabled {
		reg := metrics.NewRegistry()
		m := metrics.New(reg)
		registry.SetMetrics(m)
		p.SetMetrics(m)
		handlerOpts.Metrics = metrics.Handler(reg)
		handlerOpts.MetricsPath = cfg.Metrics.Path
	}

	handler := httphandler.NewHandler(p, handlerOpts)
	handler.SetLogger(logger)

	server := httphandler.NewServer(cfg.Server.Addr, handler, httphandler.ServerOptions{
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		TLSCertFile:       cfg.Server.TLSCert,
		TLSKeyFile:        cfg.Server.TLSKey,
	})
	server.SetLogger(logger)

	return &app{
		cfg:      cfg,
		logger:   logger.With("module", "serve"),
		registry: registry,
		proxy:    p,
		handler:  handler,
		server:   server,
	}, nil
}

// newDialer registers a dialer for every configured protocol
func newDialer(cfg config.RemoteConfig, logger *slog.Logger) (*remote.Mux, error) {
	mux := remote.NewMux()
	for _, p := range cfg.Protocols {
		switch p {
		case remote.ProtocolFTP:
			mux.Handle(p, &ftpclient.Dialer{
				Timeout:            cfg.DialTimeout,
				InsecureSkipVerify: cfg.InsecureSkipVerify,
				DisableEPSV:        cfg.DisableEPSV,
				Logger:             logger,
			})
		case remote.ProtocolSFTP:
			if cfg.KnownHosts == "" {
				logger.Warn("SFTP host keys are not checked, set remote.known_hosts to enable it")
			}
			mux.Handle(p, &sftpclient.Dialer{
				Timeout:        cfg.DialTimeout,
				KnownHostsFile: cfg.KnownHosts,
				Logger:         logger,
			})
		case remote.ProtocolLocal:
			if err := os.MkdirAll(cfg.LocalRoot, 0755); err != nil {
				return nil, fmt.Errorf("failed to create local root: %w", err)
			}
			accounts := users.NewLocalUsers()
			for _, u := range cfg.LocalUsers {
				accounts.Add(u.Username, u.Password, u.Home)
			}
			logger.Info("Local protocol enabled", "root", cfg.LocalRoot, "users", accounts.Len())
			mux.Handle(p, &filesystem.Dialer{
				Root:   cfg.LocalRoot,
				Users:  accounts,
				Logger: logger,
			})
		default:
			return nil, fmt.Errorf("%w: %q", remote.ErrUnsupportedProtocol, p)
		}
	}
	return mux, nil
}

// run serves on ln until ctx is done or the server fails, then shuts down
// the HTTP server and the open sessions within the shutdown timeout.
func (a *app) run(ctx context.Context, ln net.Listener) error {
	if err := a.server.TryServe(ln, startupGrace); err != nil {
		return fmt.Errorf("error starting http server: %w", err)
	}
	a.logger.Info("Server is running", "addr", ln.Addr().String(), "protocols", a.cfg.Remote.Protocols)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.registry.Run(gctx)
	})
	g.Go(func() error {
		if err := a.server.Wait(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down", "sessions", a.registry.Len())
		return a.shutdown()
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error("Server stopped", "error", err)
		return err
	}
	a.logger.Info("Server stopped")
	return nil
}

func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeoutCause(context.Background(), a.cfg.ShutdownTimeout, errors.New("shutdown timed out"))
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}
	if err := a.registry.CloseAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing sessions: %w", err))
	}
	return errors.Join(errs...)
}
