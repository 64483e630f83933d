package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/emperorhan/counterwatch/internal/admin"
	"github.com/emperorhan/counterwatch/internal/alert"
	"github.com/emperorhan/counterwatch/internal/chain"
	"github.com/emperorhan/counterwatch/internal/chain/evm"
	"github.com/emperorhan/counterwatch/internal/chain/ratelimit"
	"github.com/emperorhan/counterwatch/internal/chain/starknet"
	starknetrpc "github.com/emperorhan/counterwatch/internal/chain/starknet/rpc"
	"github.com/emperorhan/counterwatch/internal/circuitbreaker"
	"github.com/emperorhan/counterwatch/internal/config"
	"github.com/emperorhan/counterwatch/internal/domain/model"
	"github.com/emperorhan/counterwatch/internal/pipeline"
	"github.com/emperorhan/counterwatch/internal/pipeline/retry"
	"github.com/emperorhan/counterwatch/internal/reconciler"
	"github.com/emperorhan/counterwatch/internal/store/postgres"
	redisstore "github.com/emperorhan/counterwatch/internal/store/redis"
	"github.com/emperorhan/counterwatch/internal/tracing"
	"github.com/emperorhan/counterwatch/internal/tui"
)

const serviceName = "counterwatch"

type rootOptions struct {
	configPath string
	logLevel   string
	logFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          serviceName,
		Short:        "Watch a counter contract's CounterChanged history",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTUI(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (overrides "+config.ConfigFileEnv+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "write logs to this file instead of the default sink")

	root.AddCommand(
		&cobra.Command{
			Use:   "tui",
			Short: "Interactive terminal history viewer (default)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runTUI(cmd.Context(), opts)
			},
		},
		&cobra.Command{
			Use:   "serve",
			Short: "Run the driver headless with the HTTP status and metrics server",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), opts)
			},
		},
		&cobra.Command{
			Use:   "history",
			Short: "Fetch the history once and print the rendered view as JSON",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runHistory(cmd.Context(), opts, cmd.OutOrStdout())
			},
		},
		newFollowCmd(opts),
	)
	return root
}

func newFollowCmd(opts *rootOptions) *cobra.Command {
	var consumer string
	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Print envelopes published by a running serve as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFollow(cmd.Context(), opts, consumer, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&consumer, "consumer", "cli", "checkpoint name; a restarted follower resumes after its last envelope")
	return cmd
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	path := opts.configPath
	if path == "" {
		path = os.Getenv(config.ConfigFileEnv)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	return cfg, nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger builds the JSON logger. fallback is used when no log file is
// configured; the TUI passes io.Discard so logs never corrupt the screen.
func newLogger(opts *rootOptions, level string, fallback io.Writer) (*slog.Logger, func() error, error) {
	w := fallback
	closeFn := func() error { return nil }
	if opts.logFile != "" {
		f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w, closeFn = f, f.Close
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	return logger, closeFn, nil
}

// runtime bundles the driver and its teardown.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	rec      *reconciler.Reconciler
	pipeline *pipeline.Pipeline
	closers  []func() error
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn("shutdown error", "error", err)
		}
	}
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize tracing: %w", err)
	}
	rt.closers = append(rt.closers, func() error { return shutdownTracing(context.Background()) })
	if cfg.Tracing.Endpoint != "" {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}

	source, closeSource, err := buildEventLog(ctx, cfg, logger)
	if err != nil {
		rt.close()
		return nil, err
	}
	if closeSource != nil {
		rt.closers = append(rt.closers, closeSource)
	}

	rt.rec = reconciler.New(source.Source(), reconciler.WithLogger(logger))
	rt.pipeline = pipeline.New(pipelineConfig(cfg, logger), source, rt.rec, logger)
	return rt, nil
}

// buildEventLog wires the configured collaborator. The returned closer may
// be nil.
func buildEventLog(ctx context.Context, cfg *config.Config, logger *slog.Logger) (chain.EventLog, func() error, error) {
	switch cfg.Source.Kind {
	case model.SourceStarknet:
		limiter := ratelimit.NewLimiter(cfg.RPC.RateLimitRPS, cfg.RPC.Burst, model.SourceStarknet.String())
		client := starknetrpc.NewClient(cfg.Starknet.RPCURL, logger,
			starknetrpc.WithLimiter(limiter),
			starknetrpc.WithTimeout(cfg.RPC.Timeout),
		)
		adapter := starknet.NewAdapter(client, cfg.Source.Contract, logger,
			starknet.WithChunkSize(cfg.Starknet.ChunkSize),
			starknet.WithBlockCacheSize(cfg.Starknet.BlockCacheSize),
		)
		logger.Info("event log source", "kind", cfg.Source.Kind, "rpc", cfg.Starknet.RPCURL, "contract", cfg.Source.Contract)
		return adapter, nil, nil

	case model.SourceEVM:
		limiter := ratelimit.NewLimiter(cfg.RPC.RateLimitRPS, cfg.RPC.Burst, model.SourceEVM.String())
		adapter, err := evm.Dial(ctx, cfg.EVM.RPCURL, cfg.Source.Contract, logger,
			evm.WithMaxRange(cfg.EVM.MaxRange),
			evm.WithLimiter(limiter),
			evm.WithChain(cfg.Source.Chain),
		)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("event log source", "kind", cfg.Source.Kind, "rpc", cfg.EVM.RPCURL, "chain", cfg.Source.Chain, "contract", cfg.Source.Contract)
		return adapter, nil, nil

	case model.SourcePostgres:
		db, err := postgres.Open(ctx, postgres.Config{
			URL:                cfg.DB.URL,
			MaxOpenConns:       cfg.DB.MaxOpenConns,
			MaxIdleConns:       cfg.DB.MaxIdleConns,
			ConnMaxLifetime:    cfg.DB.ConnMaxLifetime,
			StatementTimeoutMS: cfg.DB.StatementTimeoutMS,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		logger.Info("event log source", "kind", cfg.Source.Kind, "chain", cfg.Source.Chain, "contract", cfg.Source.Contract)
		return postgres.NewEventLogRepo(db, cfg.Source.Chain, cfg.Source.Contract), db.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported source kind %q", cfg.Source.Kind)
	}
}

func pipelineConfig(cfg *config.Config, logger *slog.Logger) pipeline.Config {
	return pipeline.Config{
		Chain:            cfg.Source.Chain,
		LivePollInterval: cfg.Pipeline.LivePollInterval,
		Retry: retry.Policy{
			MaxAttempts:    cfg.Pipeline.RetryMaxAttempts,
			BackoffInitial: cfg.Pipeline.RetryBackoffInitial,
			BackoffMax:     cfg.Pipeline.RetryBackoffMax,
		},
		Breaker: circuitbreaker.Config{
			FailureThreshold: cfg.Pipeline.BreakerFailureThreshold,
			OpenTimeout:      cfg.Pipeline.BreakerOpenTimeout,
		},
		FetchOptions:       chain.AllMeta(),
		UnhealthyThreshold: cfg.Pipeline.UnhealthyThreshold,
		Contract:           cfg.Source.Contract,
		Notifier: alert.New(alert.Config{
			SlackWebhookURL: cfg.Alert.SlackWebhookURL,
			WebhookURL:      cfg.Alert.WebhookURL,
			Cooldown:        cfg.Alert.Cooldown,
		}, logger),
	}
}

// resolveStreamBackend returns the Redis transport when enabled, else nil.
func resolveStreamBackend(cfg *config.Config, logger *slog.Logger) (redisstore.MessageTransport, error) {
	if !cfg.Stream.Enabled {
		return nil, nil
	}
	redisURL := strings.TrimSpace(cfg.Stream.RedisURL)
	if redisURL == "" {
		return nil, errors.New("initialize redis stream transport: redis URL is empty")
	}
	stream, err := redisstore.NewStream(redisURL, redisstore.WithMaxLen(cfg.Stream.MaxLen))
	if err != nil {
		return nil, fmt.Errorf("initialize redis stream transport: %w", err)
	}
	logger.Info("redis stream transport enabled", "stream_namespace", cfg.Stream.Namespace)
	return stream, nil
}

// withSignals cancels ctx on SIGINT/SIGTERM.
func withSignals(ctx context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(opts, cfg.Log.Level, os.Stdout)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, cancel := withSignals(ctx, logger)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}
	defer rt.close()

	transport, err := resolveStreamBackend(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}

	rl := admin.NewRateLimitMiddleware(cfg.Server.RateLimitRPS, cfg.Server.RateBurst, logger)
	defer rl.Stop()
	server := admin.NewServer(rt.pipeline, logger, admin.WithRateLimiter(rl))

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.ListenAndServe(gCtx, cfg.Server.Addr) })
	if transport != nil {
		defer transport.Close()
		pub := pipeline.NewPublisher(rt.rec, transport, rt.pipeline.Source(), logger,
			pipeline.WithStreamNamespace(cfg.Stream.Namespace))
		g.Go(func() error { return pub.Run(gCtx) })
	}
	g.Go(func() error { return rt.pipeline.Run(gCtx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("counterwatch exited with error", "error", err)
		return err
	}
	logger.Info("counterwatch shut down gracefully")
	return nil
}

func runTUI(ctx context.Context, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(opts, cfg.Log.Level, io.Discard)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, cancel := withSignals(ctx, logger)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	viewer := tui.New(rt.rec, rt.pipeline.Source(), tui.WithContractState(rt.pipeline.ContractState))
	defer viewer.Close()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.pipeline.Run(gCtx) })
	g.Go(func() error {
		// Quitting the viewer stops the driver.
		defer cancel()
		_, err := tea.NewProgram(viewer, tea.WithAltScreen(), tea.WithContext(gCtx)).Run()
		if errors.Is(err, tea.ErrProgramKilled) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

func runHistory(ctx context.Context, opts *rootOptions, out io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(opts, cfg.Log.Level, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := withSignals(ctx, logger)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	return dumpHistory(ctx, rt.pipeline, out)
}

func runFollow(ctx context.Context, opts *rootOptions, consumer string, out io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(opts, cfg.Log.Level, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := withSignals(ctx, logger)
	defer cancel()

	transport, err := resolveStreamBackend(cfg, logger)
	if err != nil {
		return err
	}
	if transport == nil {
		return errors.New("follow needs the stream transport: set STREAM_ENABLED=true")
	}
	defer transport.Close()

	stream := pipeline.StreamName(cfg.Stream.Namespace, string(cfg.Source.Kind))
	return followStream(ctx, pipeline.NewFollower(transport, stream, consumer, logger), out)
}

// followStream writes each envelope as one JSON line.
func followStream(ctx context.Context, f *pipeline.Follower, out io.Writer) error {
	enc := json.NewEncoder(out)
	return f.Run(ctx, func(env pipeline.Envelope) error {
		if err := enc.Encode(env); err != nil {
			return fmt.Errorf("write envelope: %w", err)
		}
		return nil
	})
}

// dumpHistory performs the historical load and writes the rendered view.
// A failed load still prints the failed view before returning the error.
func dumpHistory(ctx context.Context, p *pipeline.Pipeline, out io.Writer) error {
	loadErr := p.LoadHistory(ctx)
	if loadErr != nil && ctx.Err() != nil {
		return loadErr
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p.Reconciler().Render()); err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return loadErr
}
