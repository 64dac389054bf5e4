package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/ramutex"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage ramutex configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	var id int
	var peers []string
	defaultOutput := "$HOME/.ramutex/" + ramutex.DefaultConfigFileName
	if dir, err := ramutex.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, ramutex.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default ramutex configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := ramutex.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, ramutex.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML(func(d *configDefaults) {
				d.ID = id
				d.Peers = splitList(peers)
			})
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
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
	cmd.Flags().IntVar(&id, "id", 1, "process id to write into the config")
	cmd.Flags().StringSliceVar(&peers, "peer", nil, "peers to write into the config as id@host:port")
	return cmd
}

// configDefaults mirrors the root command flags. Keys match flag names so the
// file is read back through the same viper bindings.
type configDefaults struct {
	ID                     int      `yaml:"id"`
	Listen                 string   `yaml:"listen"`
	Advertise              string   `yaml:"advertise"`
	Peers                  []string `yaml:"peer"`
	SendTimeout            string   `yaml:"send-timeout"`
	ReadTimeout            string   `yaml:"read-timeout"`
	MaxMessageBytes        string   `yaml:"max-message-bytes"`
	DisableConnGuard       bool     `yaml:"disable-conn-guard"`
	GuardFailureThreshold  int      `yaml:"guard-failure-threshold"`
	GuardFailureWindow     string   `yaml:"guard-failure-window"`
	GuardBlockDuration     string   `yaml:"guard-block-duration"`
	Attempts               int      `yaml:"attempts"`
	StartupDelay           string   `yaml:"startup-delay"`
	JitterMin              string   `yaml:"jitter-min"`
	JitterMax              string   `yaml:"jitter-max"`
	Hold                   string   `yaml:"hold"`
	SharedLog              string   `yaml:"shared-log"`
	ExitAfterWorkload      bool     `yaml:"exit-after-workload"`
	StatusListen           string   `yaml:"status-listen"`
	MetricsListen          string   `yaml:"metrics-listen"`
	PprofListen            string   `yaml:"pprof-listen"`
	EnableProfilingMetrics bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	DisableTracing         bool     `yaml:"disable-tracing"`
	ShutdownTimeout        string   `yaml:"shutdown-timeout"`
	LogLevel               string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		ID:                    1,
		Listen:                ramutex.DefaultListen,
		Peers:                 []string{},
		SendTimeout:           ramutex.DefaultSendTimeout.String(),
		ReadTimeout:           ramutex.DefaultReadTimeout.String(),
		MaxMessageBytes:       humanizeBytes(ramutex.DefaultMaxMessageBytes),
		GuardFailureThreshold: ramutex.DefaultGuardFailureThreshold,
		GuardFailureWindow:    ramutex.DefaultGuardFailureWindow.String(),
		GuardBlockDuration:    ramutex.DefaultGuardBlockDuration.String(),
		Attempts:              ramutex.DefaultAttempts,
		StartupDelay:          ramutex.DefaultStartupDelay.String(),
		JitterMin:             ramutex.DefaultJitterMin.String(),
		JitterMax:             ramutex.DefaultJitterMax.String(),
		Hold:                  ramutex.DefaultHold.String(),
		ShutdownTimeout:       ramutex.DefaultShutdownTimeout.String(),
		LogLevel:              "info",
	}
	for _, override := range overrides {
		override(&defaults)
	}
	if defaults.Peers == nil {
		defaults.Peers = []string{}
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
