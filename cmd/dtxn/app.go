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

	"pkt.systems/dtxn"
	"pkt.systems/dtxn/internal/loggingutil"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("DTXN_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "dtxn")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// cli carries state shared by every subcommand.
type cli struct {
	v      *viper.Viper
	logger pslog.Logger
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func (c *cli) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(c.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := dtxn.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, dtxn.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	c.v.SetConfigFile(expanded)
	if err := c.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// commandLogger applies --log-level to the base logger.
func (c *cli) commandLogger(subsystem string) pslog.Logger {
	logger := c.logger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(c.v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	return loggingutil.WithSubsystem(logger, subsystem)
}

// nodeConfig reads the config file, flags and DTXN_* environment into a
// dtxn.Config.
func (c *cli) nodeConfig(subsystem string) (dtxn.Config, error) {
	var cfg dtxn.Config
	path, err := c.loadConfigFile()
	if err != nil {
		return cfg, err
	}
	cfg.Logger = c.commandLogger(subsystem)
	if path != "" {
		cfg.Logger.Info("cli.config.loaded", "path", path)
	}
	if err := bindConfig(c.v, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	c := &cli{v: viper.New(), logger: loggingutil.EnsureLogger(baseLogger)}
	cmd := &cobra.Command{
		Use:           "dtxn",
		Short:         "dtxn inspects and recovers the distributed update logs of a storage cluster",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Print the header of a participant log
  dtxn log header /var/lib/dtxn/p0.log

  # List every batch in an S3-hosted log
  dtxn log dump 's3://dtxn-logs/cluster/p1?endpoint=localhost:9000&insecure=1&path-style=1'

  # Show what recovery would redrive, then run it
  dtxn replay plan --range 0x1000-0x2000=0 --range 0x2000-0x3000=1 --log-url 'disk:///var/lib/dtxn/{participant}.log'
  DTXN_LOG_URL='disk:///var/lib/dtxn/{participant}.log' dtxn replay run --range 0x1000-0x2000=0 --range 0x2000-0x3000=1
`,
	}

	persistent := cmd.PersistentFlags()
	addNodeFlags(persistent)

	c.v.SetEnvPrefix("DTXN")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	if err := c.v.BindPFlags(persistent); err != nil {
		panic(err)
	}

	cmd.AddCommand(newLogCommand(c))
	cmd.AddCommand(newReplayCommand(c))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// addNodeFlags registers every flag that maps onto dtxn.Config.
func addNodeFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.dtxn/"+dtxn.DefaultConfigFileName+")")
	fs.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	fs.StringSlice("range", nil, "FID sequence range owned by a participant as start-end=participant (repeatable)")
	fs.String("log-url", dtxn.DefaultLogURL, "participant log URL; {participant} expands to the participant id (mem://, disk://, s3://)")
	fs.Bool("no-sync", false, "skip fsync on disk logs")
	fs.String("buffer-size", humanizeBytes(dtxn.DefaultBufferSize), "initial batch buffer size")
	fs.String("max-batch-size", humanizeBytes(dtxn.DefaultMaxBatchSize), "maximum encoded batch size")
	fs.String("max-op-size", humanizeBytes(dtxn.DefaultMaxOpSize), "maximum size of one operation")
	fs.Int("max-credits", 0, "maximum declares per sub-transaction (0 = unlimited)")
	fs.Int("max-objects", 0, "maximum objects per participant store (0 = unlimited)")
	fs.String("max-object-size", humanizeBytes(dtxn.DefaultMaxObjectSize), "maximum data size of one stored object")
	fs.Int64("max-open-txns", 0, "maximum concurrently open transactions per participant (0 = unlimited)")
	fs.Int("replay-attempts", dtxn.DefaultReplayMaxAttempts, "attempts per replayed batch before recovery stops")
	fs.Duration("replay-base-delay", dtxn.DefaultReplayBaseDelay, "initial backoff between replay attempts")
	fs.Duration("replay-max-delay", dtxn.DefaultReplayMaxDelay, "maximum backoff between replay attempts")
	fs.Float64("replay-multiplier", dtxn.DefaultReplayMultiplier, "replay backoff multiplier")
	fs.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	fs.String("pprof-listen", "", "pprof listen address (empty disables)")
	fs.Bool("enable-profiling-metrics", false, "add Go runtime metrics to the Prometheus endpoint")
	fs.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
}

func parseSize(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return int(size), nil
}

func bindConfig(v *viper.Viper, cfg *dtxn.Config) error {
	cfg.Ranges = v.GetStringSlice("range")
	cfg.LogURL = v.GetString("log-url")
	if err := v.UnmarshalKey("participants", &cfg.Participants); err != nil {
		return fmt.Errorf("parse participants: %w", err)
	}
	cfg.NoSync = v.GetBool("no-sync")
	var err error
	if cfg.BufferSize, err = parseSize(v, "buffer-size"); err != nil {
		return err
	}
	if cfg.MaxBatchSize, err = parseSize(v, "max-batch-size"); err != nil {
		return err
	}
	if cfg.MaxOpSize, err = parseSize(v, "max-op-size"); err != nil {
		return err
	}
	cfg.MaxCredits = v.GetInt("max-credits")
	cfg.MaxObjects = v.GetInt("max-objects")
	cfg.MaxOpenTxns = v.GetInt64("max-open-txns")
	objectSize, err := parseSize(v, "max-object-size")
	if err != nil {
		return err
	}
	cfg.MaxObjectSize = int64(objectSize)
	cfg.ReplayMaxAttempts = v.GetInt("replay-attempts")
	cfg.ReplayBaseDelay = v.GetDuration("replay-base-delay")
	cfg.ReplayMaxDelay = v.GetDuration("replay-max-delay")
	cfg.ReplayMultiplier = v.GetFloat64("replay-multiplier")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = v.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	return nil
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
