// cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentinel/internal/config"
	"github.com/xkilldash9x/sentinel/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// flagBindings maps command-line flags onto configuration keys. A flag only
// overrides the config file and environment when it is set explicitly.
var flagBindings = map[string]string{
	"base-url":     "target.base_url",
	"server-log":   "target.server_log",
	"driver":       "driver.kind",
	"headless":     "driver.browser.headless",
	"concurrency":  "runner.concurrency",
	"autofix":      "autofix.enabled",
	"format":       "report.format",
	"output":       "report.output",
	"schedule":     "schedule",
	"database-url": "database.url",
	"log-level":    "logger.level",
}

// dependencies are the factories commands use for external resources.
type dependencies struct {
	stores  storeProvider
	drivers driverFactory
}

// NewRootCommand builds the command tree with production dependencies.
func NewRootCommand() *cobra.Command {
	return newRootCmd(dependencies{stores: NewStoreProvider(), drivers: NewDriverFactory()})
}

func newRootCmd(deps dependencies) *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "sentinel",
		Short:         "Sentinel runs declarative end-to-end scenarios against a web application.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				basicLogger, _ := zap.NewDevelopment()
				defer basicLogger.Sync()
				basicLogger.Error("Failed to initialize configuration", zap.Error(err))
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "sentinel"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting sentinel", zap.String("version", Version), zap.String("command", cmd.Name()))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(newRunCmd(deps))
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newReportCmd(deps.stores))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the command tree against the process arguments. Errors are
// logged here; the caller decides the exit code.
func Execute(ctx context.Context) error {
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		logger := observability.GetLogger()
		switch {
		case errors.Is(err, context.Canceled):
			logger.Info("Operation canceled.")
		case errors.Is(err, ErrRunFailed):
			logger.Warn("Run finished with failing scenarios.")
		default:
			logger.Error("Command execution failed", zap.Error(err))
		}
		observability.Sync()
		return err
	}
	observability.Sync()
	return nil
}

// initializeConfig reads the config file, environment variables and the
// flags of the executing command into v.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return bindFlags(cmd.Flags(), v)
}

func bindFlags(flags *pflag.FlagSet, v *viper.Viper) error {
	for name, key := range flagBindings {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration not found in command context")
	}
	return cfg, nil
}
