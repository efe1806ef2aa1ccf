// Package cli builds the chatstream command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/chatstream/pkg/config"
	"github.com/nimburion/chatstream/pkg/observability/logger"
	"github.com/nimburion/chatstream/pkg/version"
)

// Options configures the root command.
type Options struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string
	// LoggerOutput receives log lines. Defaults to stderr.
	LoggerOutput io.Writer
}

// NewRootCommand creates the CLI with join, rooms, send, serve, config and version subcommands.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = version.DefaultService
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = config.DefaultEnvPrefix
	}
	if opts.Description == "" {
		opts.Description = "Realtime chat rooms over server-sent events"
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	if err := config.RegisterFlagsFromStruct(rootCmd.PersistentFlags(), config.DefaultConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register config flags: %v\n", err)
		os.Exit(1)
	}

	loadConfig := func(flags *pflag.FlagSet) (*config.Config, logger.Logger, error) {
		return LoadConfigAndLogger(cfgPath, opts.EnvPrefix, flags, opts.LoggerOutput)
	}

	rootCmd.AddCommand(
		newJoinCommand(loadConfig),
		newRoomsCommand(loadConfig),
		newSendCommand(loadConfig),
		newServeCommand(loadConfig),
		newConfigCommand(&cfgPath, opts.EnvPrefix),
		newVersionCommand(opts.Name),
	)
	return rootCmd
}

type configLoader func(*pflag.FlagSet) (*config.Config, logger.Logger, error)

func newVersionCommand(name string) *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Current(name)
			out := cmd.OutOrStdout()
			if asYAML {
				return yaml.NewEncoder(out).Encode(info)
			}
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print as YAML")
	return cmd
}

func newConfigCommand(cfgPath *string, envPrefix string) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &config.Config{}
			provider := config.NewConfigProvider(*cfgPath, envPrefix).WithFlags(cmd.Flags())
			if err := provider.Load(cfg); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &config.Config{}
			provider := config.NewConfigProvider(*cfgPath, envPrefix).WithFlags(cmd.Flags())
			if err := provider.Load(cfg); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			formatted, err := formatSettings(provider.AllSettings())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatted)
			return nil
		},
	})
	return configCmd
}

// LoadConfigAndLogger loads configuration and creates a logger for it.
func LoadConfigAndLogger(cfgPath, envPrefix string, flags *pflag.FlagSet, logOutput io.Writer) (*config.Config, logger.Logger, error) {
	cfg := &config.Config{}
	provider := config.NewConfigProvider(cfgPath, envPrefix).WithFlags(flags)
	if err := provider.Load(cfg); err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	if logOutput == nil {
		logOutput = os.Stderr
	}
	log, err := logger.NewZapLoggerWithWriter(logger.Config{
		Level:  logger.LogLevel(strings.ToLower(cfg.Observability.LogLevel)),
		Format: logger.LogFormat(strings.ToLower(cfg.Observability.LogFormat)),
	}, logOutput)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}

	logConfigIfDebug(log, cfg)
	return cfg, log, nil
}

func formatSettings(settings map[string]interface{}) (string, error) {
	if settings == nil {
		return "{}\n", nil
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}

func logConfigIfDebug(log logger.Logger, cfg *config.Config) {
	if log == nil || cfg == nil {
		return
	}
	if !strings.EqualFold(cfg.Observability.LogLevel, string(logger.DebugLevel)) {
		return
	}
	log.Debug("effective configuration", "config", fmt.Sprintf("%+v", cfg))
}

// signalContext cancels on interrupt or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Execute runs cmd and exits non-zero on error.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
