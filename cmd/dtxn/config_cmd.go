package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/dtxn"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage dtxn configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.dtxn/" + dtxn.DefaultConfigFileName
	if dir, err := dtxn.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, dtxn.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default dtxn configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := dtxn.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, dtxn.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type participantDefaults struct {
	ID  uint32 `yaml:"id"`
	Log string `yaml:"log"`
}

type configDefaults struct {
	Range                  []string              `yaml:"range"`
	LogURL                 string                `yaml:"log-url"`
	Participants           []participantDefaults `yaml:"participants"`
	NoSync                 bool                  `yaml:"no-sync"`
	BufferSize             string                `yaml:"buffer-size"`
	MaxBatchSize           string                `yaml:"max-batch-size"`
	MaxOpSize              string                `yaml:"max-op-size"`
	MaxCredits             int                   `yaml:"max-credits"`
	MaxObjects             int                   `yaml:"max-objects"`
	MaxOpenTxns            int64                 `yaml:"max-open-txns"`
	MaxObjectSize          string                `yaml:"max-object-size"`
	ReplayAttempts         int                   `yaml:"replay-attempts"`
	ReplayBaseDelay        string                `yaml:"replay-base-delay"`
	ReplayMaxDelay         string                `yaml:"replay-max-delay"`
	ReplayMultiplier       float64               `yaml:"replay-multiplier"`
	MetricsListen          string                `yaml:"metrics-listen"`
	PprofListen            string                `yaml:"pprof-listen"`
	EnableProfilingMetrics bool                  `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string                `yaml:"otlp-endpoint"`
	LogLevel               string                `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Range:            []string{"0x200000400-0x200000800=0", "0x200000800-0x200000c00=1"},
		LogURL:           "disk:///var/lib/dtxn/{participant}.log",
		Participants:     []participantDefaults{},
		BufferSize:       humanizeBytes(dtxn.DefaultBufferSize),
		MaxBatchSize:     humanizeBytes(dtxn.DefaultMaxBatchSize),
		MaxOpSize:        humanizeBytes(dtxn.DefaultMaxOpSize),
		MaxObjectSize:    humanizeBytes(dtxn.DefaultMaxObjectSize),
		ReplayAttempts:   dtxn.DefaultReplayMaxAttempts,
		ReplayBaseDelay:  dtxn.DefaultReplayBaseDelay.String(),
		ReplayMaxDelay:   dtxn.DefaultReplayMaxDelay.String(),
		ReplayMultiplier: dtxn.DefaultReplayMultiplier,
		LogLevel:         "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return data, nil
}
