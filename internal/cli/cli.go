// Package cli builds the cobra commands of the requester and responder
// applications.
package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"emperror.dev/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/zylinc/messagebus"
	"github.com/zylinc/messagebus/health"
	"github.com/zylinc/messagebus/interceptors"
	"github.com/zylinc/messagebus/internal/config"
	"github.com/zylinc/messagebus/internal/metrics"
	"github.com/zylinc/messagebus/routing"
	"github.com/zylinc/messagebus/transports/memory"
	"github.com/zylinc/messagebus/transports/rabbitmq"
)

// heap thresholds of the memory health check
const (
	memoryWarning  = 512 << 20
	memoryCritical = 1 << 30
)

// Environment is what an application runs against
type Environment struct {
	Config *config.Config
	Logger *slog.Logger
	Bus    *messagebus.Bus
	// Broker is the in-process broker when the memory transport is used
	Broker *memory.Broker
	// Health holds the checks logged every healthInterval
	Health   *health.Registry
	reporter *metrics.Reporter
}

// App describes one application
type App struct {
	Use      string
	Short    string
	Long     string
	Defaults config.Defaults
	// Setup registers handlers. It runs before the bus connects.
	Setup func(ctx context.Context, env *Environment) error
	// Run is the application's main loop, started once the bus is
	// connected. Without Run the application serves until interrupted.
	Run func(ctx context.Context, env *Environment) error
	// Flags adds application specific flags bound to v
	Flags func(cmd *cobra.Command, v *viper.Viper)
}

// NewEnvironment creates the bus described by cfg
func NewEnvironment(name string, cfg *config.Config, logger *slog.Logger) (*Environment, error) {
	routeMap, err := cfg.RouteMap()
	if err != nil {
		return nil, err
	}
	routes, err := routing.NewTable(routeMap)
	if err != nil {
		return nil, errors.Wrap(err, "build routing table")
	}

	env := &Environment{Config: cfg, Logger: logger}

	opts := []messagebus.Option{
		messagebus.WithLogger(logger),
		messagebus.WithRoutes(routes),
		messagebus.WithRetryDelay(cfg.ReconnectDelay),
		messagebus.WithRequestTimeout(cfg.RequestTimeout),
		messagebus.WithMaxConcurrentHandlers(cfg.MaxConcurrentHandlers),
		messagebus.WithDefaultHeaders(cfg.HeaderMap()),
		messagebus.WithHandlerMiddleware(interceptors.NewChain(
			interceptors.NewRecoveryInterceptor(logger),
			interceptors.NewLoggingInterceptor(logger),
			interceptors.NewTimeoutInterceptor(cfg.RequestTimeout),
		).Middleware()),
	}

	switch cfg.Transport {
	case config.TransportMemory:
		env.Broker = memory.NewBroker(memory.WithLogger(logger))
		opts = append(opts, messagebus.WithDialer(env.Broker.Dialer(cfg.InputQueue)))
	default:
		opts = append(opts, messagebus.WithDialer(rabbitmq.Dialer(
			cfg.ConnectionStrings.RabbitMQ,
			cfg.InputQueue,
			rabbitmq.WithLogger(logger),
			rabbitmq.WithConnectionName(name),
		)))
		if cfg.FailFastOnAuth {
			opts = append(opts, messagebus.WithPermanentErrorClassifier(rabbitmq.IsPermanent))
		}
	}

	if cfg.Metrics {
		env.reporter = metrics.NewReporter(logger)
		collector, err := metrics.New(metrics.WithMeterProvider(env.reporter.Provider()))
		if err != nil {
			return nil, errors.Wrap(err, "create metrics collector")
		}
		opts = append(opts, messagebus.WithMetrics(collector))
	}

	env.Bus, err = messagebus.New(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create message bus")
	}
	env.Health = health.NewRegistry(
		health.NewConnectionChecker(env.Bus),
		health.NewMemoryChecker(memoryWarning, memoryCritical),
	)
	return env, nil
}

// Close releases the bus and reports metrics if enabled
func (e *Environment) Close() error {
	err := e.Bus.Close()
	if e.reporter != nil {
		e.reporter.Report(context.Background())
		err = errors.Append(err, e.reporter.Shutdown(context.Background()))
	}
	return err
}

// NewCommand creates the root command of app
func NewCommand(app App) *cobra.Command {
	v := config.New(app.Defaults)
	var configFile string

	cmd := &cobra.Command{
		Use:           app.Use,
		Short:         app.Short,
		Long:          app.Long,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			logger := cfg.NewLogger(cmd.ErrOrStderr()).With("app", app.Use)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return Serve(ctx, app, cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "settings file (default is ./appsettings.json or ./appsettings.yaml)")
	flags.String("url", "", "RabbitMQ connection string")
	flags.String("input-queue", "", "queue this application receives on")
	flags.String("transport", "", "rabbitmq or memory")
	flags.Duration("reconnect-delay", 0, "delay between connection attempts")
	flags.Duration("health-interval", 0, "interval between logged health checks, 0 disables them")
	flags.Duration("request-timeout", 0, "how long a request waits for its response")
	flags.Int("max-concurrent-handlers", 0, "handlers running at the same time")
	flags.Bool("fail-fast-on-auth", false, "stop reconnecting when the broker refuses the credentials")
	flags.StringSlice("route", nil, "MessageType=address routing entry, repeatable")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "text or json")
	flags.Bool("metrics", false, "log collected metrics on exit")

	for key, flag := range map[string]string{
		config.KeyRabbitMQ:              "url",
		config.KeyInputQueue:            "input-queue",
		config.KeyTransport:             "transport",
		config.KeyReconnectDelay:        "reconnect-delay",
		config.KeyHealthInterval:        "health-interval",
		config.KeyRequestTimeout:        "request-timeout",
		config.KeyMaxConcurrentHandlers: "max-concurrent-handlers",
		config.KeyFailFastOnAuth:        "fail-fast-on-auth",
		config.KeyRoutes:                "route",
		config.KeyLogLevel:              "log-level",
		config.KeyLogFormat:             "log-format",
		config.KeyMetrics:               "metrics",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	if app.Flags != nil {
		app.Flags(cmd, v)
	}

	return cmd
}

// Serve runs app until ctx is done or its Run returns. Connecting starts in
// the background, so an unreachable broker only delays Run.
func Serve(ctx context.Context, app App, cfg *config.Config, logger *slog.Logger) error {
	env, err := NewEnvironment(app.Use, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.Close(); err != nil {
			logger.Warn("failed to close message bus", "error", err)
		}
	}()

	if app.Setup != nil {
		if err := app.Setup(ctx, env); err != nil {
			return errors.Wrap(err, "set up handlers")
		}
	}

	logger.Info("starting",
		"transport", cfg.Transport,
		"inputQueue", cfg.InputQueue,
		"broker", rabbitmq.SanitizeURL(cfg.ConnectionStrings.RabbitMQ))

	g, gctx := errgroup.WithContext(ctx)
	watchCtx, stopWatch := context.WithCancel(gctx)
	if cfg.HealthInterval > 0 {
		g.Go(func() error {
			health.Watch(watchCtx, env.Health, cfg.HealthInterval, logger)
			return nil
		})
	}
	g.Go(func() error {
		defer stopWatch()
		if err := env.Bus.Start(gctx); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "connect to broker")
		}
		if app.Run != nil {
			return app.Run(gctx, env)
		}
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	logger.Info("stopping")
	return err
}
