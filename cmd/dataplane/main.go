package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/songzhibin97/gkit/generator"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/songzhibin97/dataplane-engine/authorization"
	"github.com/songzhibin97/dataplane-engine/config"
	"github.com/songzhibin97/dataplane-engine/events"
	dplog "github.com/songzhibin97/dataplane-engine/log"
	"github.com/songzhibin97/dataplane-engine/metrics"
	"github.com/songzhibin97/dataplane-engine/notifier"
	"github.com/songzhibin97/dataplane-engine/orchestrator"
	"github.com/songzhibin97/dataplane-engine/rules"
	"github.com/songzhibin97/dataplane-engine/storage"
	"github.com/songzhibin97/dataplane-engine/transfer"
	"github.com/songzhibin97/dataplane-engine/types"
)

const (
	cliVersion  = "0.0.0-dev"
	serviceName = "dataplane"
	envPrefix   = "DATAPLANE"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	command := newRootCommand()
	parsedArgs := []string{}
	if len(args) > 1 {
		parsedArgs = args[1:]
	}
	command.SetArgs(parsedArgs)
	return command.Execute()
}

func newRootCommand() *cobra.Command {
	v := config.NewViper(envPrefix)

	command := &cobra.Command{
		Use:          "dataplane",
		Short:        "Data plane runtime driving data flows to completion",
		Version:      cliVersion,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmd, v)
		},
	}
	flags := command.PersistentFlags()
	flags.String("config", "", "path to a config file (yaml, json or toml)")
	flags.String("runtime-id", "", "identity of this runtime; generated when empty")
	flags.String("log-level", config.DefaultLogLevel, "debug, info, warn or error")
	flags.String("store", config.StoreMemory, "flow store: memory, redis or postgres")
	flags.String("metrics-addr", config.DefaultMetricsAddr, "listen address of the /metrics endpoint; empty disables it")
	for key, flag := range map[string]string{
		"runtime_id":   "runtime-id",
		"log_level":    "log-level",
		"store.kind":   "store",
		"metrics.addr": "metrics-addr",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	runCommand := &cobra.Command{
		Use:   "run",
		Short: "run the scheduler until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDataplane(cmd, v)
		},
	}
	runCommand.Flags().String("discard-rule", "", "register an engine that completes matching PUSH transfers without moving data")

	validateCommand := &cobra.Command{
		Use:   "validate",
		Short: "load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok (runtime %s, store %s)\n", cfg.RuntimeID, cfg.Store.Kind)
			return nil
		},
	}

	command.AddCommand(runCommand, validateCommand)
	return command
}

func initConfig(cmd *cobra.Command, v *viper.Viper) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil || path == "" {
		return err
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

func runDataplane(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := dplog.New(cmd.ErrOrStderr(), serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, revocations, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	auth, err := authorization.NewTokenService(authorization.TokenOptions{
		Endpoint:    cfg.Auth.Endpoint,
		Issuer:      cfg.Auth.Issuer,
		Secret:      []byte(cfg.Auth.Secret),
		TTL:         cfg.Auth.TokenTTL,
		Revocations: revocations,
	})
	if err != nil {
		return err
	}

	bus := events.NewEventBus(
		events.WithBufferSize(cfg.Events.BufferSize),
		events.WithSyncTimeout(cfg.Events.SyncTimeout),
		events.WithIDGenerator(generator.NewSnowflake(time.Now().Add(-time.Second), 1)),
	)
	defer bus.Stop()
	subscribeLogging(bus, logger)
	logger.Warn("no control-plane transport attached, completed and failed flows are acknowledged by the log")

	registry := transfer.NewOrderedRegistry()
	if rule, _ := cmd.Flags().GetString("discard-rule"); rule != "" {
		engine, err := transfer.NewRuleEngine(rule, rules.NewExprEvaluator(), discardEngine(logger))
		if err != nil {
			return fmt.Errorf("discard rule: %w", err)
		}
		if err := registry.Register(engine); err != nil {
			return err
		}
	}

	m := metrics.New()
	if err := m.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	o, err := orchestrator.NewOrchestrator(cfg, store, registry, auth, notifier.NewBusNotifier(bus),
		orchestrator.WithEventBus(bus),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	logger.Info("data plane starting",
		dplog.RuntimeID(cfg.RuntimeID), slog.String("store", cfg.Store.Kind), slog.Int("engines", registry.Len()))
	runErr := o.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := o.Stop(shutdownCtx); err != nil {
		logger.Warn("shutdown did not complete", dplog.Error(err))
	}
	logger.Info("data plane stopped", slog.Int("in_flight", o.InFlight()))
	return runErr
}

// openStore opens the flow store and a credential revocation list shared
// through the same backend.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, authorization.RevocationStore, func(), error) {
	switch cfg.Store.Kind {
	case config.StoreRedis:
		store, err := storage.NewRedisStore(storage.RedisOptions{
			Addr:          cfg.Store.Redis.Addr,
			Password:      cfg.Store.Redis.Password,
			DB:            cfg.Store.Redis.DB,
			PoolSize:      cfg.Store.Redis.PoolSize,
			Prefix:        cfg.Store.Redis.Prefix,
			Holder:        cfg.RuntimeID,
			LeaseDuration: cfg.Lease.Duration,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		revocations := authorization.NewRedisRevocations(store.Client(), cfg.Store.Redis.Prefix, cfg.Auth.TokenTTL)
		return store, revocations, func() { _ = store.Close() }, nil
	case config.StorePostgres:
		store, err := storage.NewPostgresStore(ctx, storage.PostgresOptions{
			DSN:           cfg.Store.Postgres.DSN,
			Holder:        cfg.RuntimeID,
			LeaseDuration: cfg.Lease.Duration,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		revocations, err := authorization.NewPostgresRevocations(ctx, store.Pool())
		if err != nil {
			store.Close()
			return nil, nil, nil, err
		}
		return store, revocations, store.Close, nil
	case config.StoreMemory:
		return storage.NewMemoryStore(cfg.RuntimeID, cfg.Lease.Duration), authorization.NewMemoryRevocations(), func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("%w: %q", config.ErrInvalidStoreKind, cfg.Store.Kind)
	}
}

// subscribeLogging acknowledges control-plane notifications by logging them
// and logs every state change. The binary ships no callback transport, so
// nothing is sent to a flow's callback address.
func subscribeLogging(bus *events.EventBus, logger *slog.Logger) {
	notified := func(ctx context.Context, event events.Event) error {
		callback, _ := event.Data[notifier.DataCallbackAddress].(string)
		logger.Info("notification logged, not delivered",
			slog.String("type", event.Type), dplog.FlowID(event.FlowID),
			slog.String("callback_address", callback), slog.Any("data", event.Data))
		return nil
	}
	for _, eventType := range []string{events.EventFlowCompleted, events.EventFlowFailed} {
		bus.SubscribeFunc(eventType, notified)
	}
	bus.SubscribeFunc(events.EventFlowStateChanged, func(ctx context.Context, event events.Event) error {
		logger.Debug("data flow event",
			slog.String("type", event.Type), dplog.FlowID(event.FlowID), slog.Any("data", event.Data))
		return nil
	})
}

func discardEngine(logger *slog.Logger) transfer.Engine {
	return transfer.EngineFunc{
		TransferFunc: func(ctx context.Context, msg types.StartMessage) transfer.StreamResult {
			logger.Debug("discarding transfer", dplog.FlowID(msg.ProcessID))
			return transfer.Success()
		},
		TerminateFunc: func(context.Context, *types.DataFlow) transfer.StreamResult {
			return transfer.Success()
		},
	}
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", dplog.Error(err))
		}
	}()
	return srv
}
