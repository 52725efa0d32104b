package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cookielab/pgclient/client"
	"github.com/cookielab/pgclient/config"
	"github.com/cookielab/pgclient/driver/pgxconn"
	"github.com/cookielab/pgclient/driver/sqliteconn"
	"github.com/cookielab/pgclient/logging"
)

var (
	version = client.Version
	commit  = "none"
	date    = "unknown"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath  string
	driver      string
	dsn         string
	debug       bool
	verbosity   int
	metricsAddr string
}

func main() {
	flags := &globalFlags{}
	if err := newRootCmd(flags).Execute(); err != nil {
		printError(os.Stderr, client.FormatError(err, flags.debug))
		os.Exit(1)
	}
}

func newRootCmd(flags *globalFlags) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "pgclient",
		Short:         "pgclient - batched inserts, deletes and streaming reads",
		Long:          `pgclient streams rows into and out of PostgreSQL or SQLite through one transaction per command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "TOML configuration file")
	pf.StringVar(&flags.driver, "driver", "", "Database driver: postgres or sqlite (or set PGCLIENT_DRIVER)")
	pf.StringVar(&flags.dsn, "dsn", "", "Connection string or SQLite file path (or set PGCLIENT_DSN)")
	pf.BoolVar(&flags.debug, "debug", false, "Log every statement and return diagnostic query errors")
	pf.CountVarP(&flags.verbosity, "verbose", "v", "Increase verbosity (-v debug)")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")

	rootCmd.AddCommand(
		newInsertCmd(flags),
		newDeleteCmd(flags),
		newQueryCmd(flags),
		newPingCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "pgclient %s (commit: %s, built: %s)\n", version, commit, date)
			},
		},
	)
	return rootCmd
}

// session is an open client with everything that must be released with it.
type session struct {
	client *client.Client
	cfg    *config.Config
	logger client.Logger
	close  func()
}

// loadConfig merges file, environment and flags, in that order.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.driver != "" {
		cfg.Driver = flags.driver
	}
	if flags.dsn != "" {
		cfg.DSN = flags.dsn
	}
	if flags.debug {
		cfg.Debug = true
	}
	if flags.verbosity > 0 {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Adjust(); err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("--dsn flag or PGCLIENT_DSN environment variable is required")
	}
	return cfg, nil
}

// openSession connects with the configured driver. Hooks are added to the
// client options before the client is created.
func openSession(ctx context.Context, cmd *cobra.Command, flags *globalFlags, hooks ...client.Hook) (*session, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	logger, logCloser := logging.Setup(cfg.Log, cmd.ErrOrStderr())
	for _, msg := range cfg.WarningMsgs {
		logger.Warn("configuration adjusted", client.String("detail", msg))
	}

	registry := prometheus.NewRegistry()
	opts := cfg.ClientOptions()
	opts.Logger = logger
	opts.Hooks = append(opts.Hooks, hooks...)
	opts.MetricsRegisterer = registry

	var pool client.Pool
	switch cfg.Driver {
	case config.DriverSQLite:
		pool, err = sqliteconn.NewPool(ctx, cfg.DSN, opts)
	default:
		pool, err = pgxconn.New(ctx, cfg.DSN, pgxconn.Options{
			MaxConns: int32(cfg.Pool.MaxSize),
			Logger:   logger,
			TLS: pgxconn.TLSOptions{
				CAFile:             cfg.TLS.CAFile,
				CertFile:           cfg.TLS.CertFile,
				KeyFile:            cfg.TLS.KeyFile,
				InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
			},
		})
	}
	if err != nil {
		logCloser.Close()
		return nil, err
	}

	c, err := client.NewClient(pool, &opts)
	if err != nil {
		pool.Close()
		logCloser.Close()
		return nil, err
	}

	stopMetrics := serveMetrics(flags.metricsAddr, registry, logger)
	return &session{
		client: c,
		cfg:    cfg,
		logger: logger,
		close: func() {
			stopMetrics()
			if err := c.Close(); err != nil {
				logger.Warn("failed to close client", client.Error("error", err))
			}
			logCloser.Close()
		},
	}, nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger client.Logger) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", client.String("addr", addr), client.Error("error", err))
		}
	}()
	logger.Info("serving metrics", client.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
