package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/ramutex"
	"pkt.systems/ramutex/internal/pathutil"
	"pkt.systems/ramutex/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("RAMUTEX_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "ramutex")

	cmd := newRootCommand(baseLogger)
	cmd.SetArgs(os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := ramutex.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, ramutex.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	resolved, err := pathutil.Resolve(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", resolved, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", resolved)
	}

	viper.SetConfigFile(resolved)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", resolved, err)
	}
	return resolved, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ramutex",
		Short:         "ramutex runs one peer of a Ricart-Agrawala mutual exclusion group",
		SilenceErrors: true,
		Example: `
  # Three peers on one host sharing an audit log
  ramutex --id 1 --listen 127.0.0.1:6001 --peer 2@127.0.0.1:6002 --peer 3@127.0.0.1:6003 --shared-log ./shared.log
  ramutex --id 2 --listen 127.0.0.1:6002 --peer 1@127.0.0.1:6001 --peer 3@127.0.0.1:6003 --shared-log ./shared.log
  ramutex --id 3 --listen 127.0.0.1:6003 --peer 1@127.0.0.1:6001 --peer 2@127.0.0.1:6002 --shared-log ./shared.log

  # Same thing through the environment
  RAMUTEX_ID=1 RAMUTEX_PEER=2@10.0.0.2:6001,3@10.0.0.3:6001 ramutex

  # Audit the shared log afterwards
  ramutex verify ./shared.log
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			} else {
				cliLogger.Warn("unknown log level, keeping default", "log_level", logLevel)
			}

			var cfg ramutex.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			svcfields.WithSubsystem(logger, "node.lifecycle.init").WithLogLevel().Info(
				"welcome to ramutex",
				"app", "ramutex",
				"peer_id", cfg.ID,
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			node, err := ramutex.NewNode(cfg, ramutex.WithLogger(logger))
			if err != nil {
				return err
			}
			if err := node.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			result, _ := node.WorkloadResult()
			cliLogger.Info("node stopped", "completed", result.Completed, "failed", result.Failed)
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.ramutex/"+ramutex.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.Int("id", 0, "this peer's process id (positive, unique across the group)")
	flags.String("listen", ramutex.DefaultListen, "peer transport listen address")
	flags.String("advertise", "", "address other peers reach this process at (defaults to listen)")
	flags.StringSlice("peer", nil, "peer as id@host:port (repeatable or comma separated)")
	flags.Duration("send-timeout", ramutex.DefaultSendTimeout, "dial plus write timeout for one protocol message")
	flags.Duration("read-timeout", ramutex.DefaultReadTimeout, "idle timeout for inbound peer connections")
	flags.String("max-message-bytes", humanizeBytes(ramutex.DefaultMaxMessageBytes), "maximum size of one inbound wire record")
	flags.Bool("disable-conn-guard", false, "do not block hosts that send malformed records")
	flags.Int("guard-failure-threshold", ramutex.DefaultGuardFailureThreshold, "malformed records tolerated per window before a host is blocked")
	flags.Duration("guard-failure-window", ramutex.DefaultGuardFailureWindow, "window malformed records are counted over")
	flags.Duration("guard-block-duration", ramutex.DefaultGuardBlockDuration, "how long a noisy host stays blocked")
	flags.Int("attempts", ramutex.DefaultAttempts, "critical section entries to perform (0 runs a passive peer)")
	flags.Duration("startup-delay", ramutex.DefaultStartupDelay, "pause before the first attempt so peers can start listening")
	flags.Duration("jitter-min", ramutex.DefaultJitterMin, "lower bound of the pause before each attempt")
	flags.Duration("jitter-max", ramutex.DefaultJitterMax, "upper bound of the pause before each attempt")
	flags.Duration("hold", ramutex.DefaultHold, "time spent inside the critical section")
	flags.String("shared-log", "", "append enter/exit events to this file (empty disables)")
	flags.Bool("exit-after-workload", false, "exit once every attempt completed instead of idling until signalled")
	flags.String("status-listen", "", "serve GET /v1/status on this address (empty disables)")
	flags.String("metrics-listen", "", "Prometheus scrape endpoint (empty disables)")
	flags.String("pprof-listen", "", "debug/pprof endpoint (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "add Go runtime metrics to the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP trace collector (grpc://, grpcs://, http://, https:// or host:port)")
	flags.Bool("disable-tracing", false, "ignore otlp-endpoint")
	flags.Duration("shutdown-timeout", ramutex.DefaultShutdownTimeout, "graceful shutdown budget")

	viper.SetEnvPrefix("RAMUTEX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindFlag := func(set *pflag.FlagSet, name string) {
		if err := viper.BindPFlag(name, set.Lookup(name)); err != nil {
			panic(err)
		}
	}
	for _, name := range []string{"config", "log-level"} {
		bindFlag(persistentFlags, name)
	}
	for _, name := range runFlagNames {
		bindFlag(flags, name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVerifyCommand(baseLogger))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

var runFlagNames = []string{
	"id",
	"listen",
	"advertise",
	"peer",
	"send-timeout",
	"read-timeout",
	"max-message-bytes",
	"disable-conn-guard",
	"guard-failure-threshold",
	"guard-failure-window",
	"guard-block-duration",
	"attempts",
	"startup-delay",
	"jitter-min",
	"jitter-max",
	"hold",
	"shared-log",
	"exit-after-workload",
	"status-listen",
	"metrics-listen",
	"pprof-listen",
	"enable-profiling-metrics",
	"otlp-endpoint",
	"disable-tracing",
	"shutdown-timeout",
}

func bindConfig(cfg *ramutex.Config) error {
	cfg.ID = viper.GetInt("id")
	cfg.Listen = viper.GetString("listen")
	cfg.Advertise = viper.GetString("advertise")
	cfg.Peers = splitList(viper.GetStringSlice("peer"))
	cfg.SendTimeout = viper.GetDuration("send-timeout")
	cfg.ReadTimeout = viper.GetDuration("read-timeout")
	if raw := strings.TrimSpace(viper.GetString("max-message-bytes")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse max-message-bytes: %w", err)
		}
		cfg.MaxMessageBytes = int64(size)
	}
	cfg.DisableConnGuard = viper.GetBool("disable-conn-guard")
	cfg.GuardFailureThreshold = viper.GetInt("guard-failure-threshold")
	cfg.GuardFailureWindow = viper.GetDuration("guard-failure-window")
	cfg.GuardBlockDuration = viper.GetDuration("guard-block-duration")
	cfg.Attempts = viper.GetInt("attempts")
	cfg.StartupDelay = viper.GetDuration("startup-delay")
	cfg.JitterMin = viper.GetDuration("jitter-min")
	cfg.JitterMax = viper.GetDuration("jitter-max")
	cfg.Hold = viper.GetDuration("hold")
	cfg.SharedLogPath = viper.GetString("shared-log")
	cfg.ExitAfterWorkload = viper.GetBool("exit-after-workload")
	cfg.StatusListen = viper.GetString("status-listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableTracing = viper.GetBool("disable-tracing")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	return nil
}

// splitList flattens entries that arrive comma or space separated from the
// environment.
func splitList(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, part := range strings.FieldsFunc(entry, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n'
		}) {
			out = append(out, part)
		}
	}
	return out
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
