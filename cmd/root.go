// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/renderpool/internal/config"
	"github.com/xkilldash9x/renderpool/internal/observability"
	"github.com/xkilldash9x/renderpool/internal/service"
)

const envPrefix = "RENDERPOOL"

type contextKey string

const configKey contextKey = "config"

// app carries what subcommands share: the viper instance and the factory
// that builds the browser components.
type app struct {
	v       *viper.Viper
	cfgFile string
	factory service.ComponentFactory
}

type RootOption func(*app)

// WithComponentFactory replaces the production component factory.
func WithComponentFactory(f service.ComponentFactory) RootOption {
	return func(a *app) {
		if f != nil {
			a.factory = f
		}
	}
}

// NewRootCommand builds a fresh command tree. Every call is independent,
// which keeps tests from sharing flag or viper state.
func NewRootCommand(opts ...RootOption) *cobra.Command {
	a := &app{v: viper.New(), factory: service.NewComponentFactory()}
	for _, opt := range opts {
		opt(a)
	}
	config.SetDefaults(a.v)

	rootCmd := &cobra.Command{
		Use:           "renderpool",
		Short:         "renderpool renders web pages through a pool of warm browser sessions.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.initializeConfig(cmd); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(a.v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "renderpool"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting renderpool", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("driver", "", "browser backend: chromedp, rod or playwright")
	flags.String("browser", "", "path to the browser executable")
	flags.String("remote", "", "endpoint of an already running browser")
	flags.Int("pool-capacity", 0, "number of warm browser sessions (default: crawler concurrency)")
	flags.Int("concurrency", 0, "number of fetches in flight")
	flags.Bool("headful", false, "show the browser window")

	bindings := map[string]string{
		"logger.level":           "log-level",
		"driver.kind":            "driver",
		"driver.executable_path": "browser",
		"driver.remote_endpoint": "remote",
		"driver.pool_capacity":   "pool-capacity",
		"crawler.concurrency":    "concurrency",
	}
	for key, name := range bindings {
		// Only bound flags the user actually set override the file and env.
		_ = a.v.BindPFlag(key, flags.Lookup(name))
	}

	rootCmd.AddCommand(
		newFetchCmd(a),
		newServeCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

// initializeConfig reads the config file and environment into a.v.
func (a *app) initializeConfig(cmd *cobra.Command) error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		a.v.AddConfigPath(".")
		a.v.SetConfigName("config")
		a.v.SetConfigType("yaml")
	}

	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if headful, _ := cmd.Flags().GetBool("headful"); headful {
		a.v.Set("driver.headless", false)
	}
	return nil
}

// configFromContext returns the configuration stored by PersistentPreRunE.
func configFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("%w: configuration not loaded", config.ErrConfiguration)
	}
	return cfg, nil
}

// Execute runs the command tree with the signal-aware ctx from main.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Error:", err)
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
	}
	observability.Sync()
	return err
}
