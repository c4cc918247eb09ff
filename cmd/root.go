package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quotebot/internal/config"
	"github.com/xkilldash9x/quotebot/internal/observability"
)

type contextKey string

const viperKey contextKey = "viper"

// configKeyAnnotation marks a flag with the config key it overrides.
const configKeyAnnotation = "quotebot/config-key"

// NewRootCommand builds a fresh command tree. Each call gets its own viper
// instance, so commands never share configuration state.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "quotebot",
		Short:         "quotebot fetches freight rate quotes from carrier booking portals.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			// The logger is set up from the unvalidated config so that
			// validation failures are still logged the configured way.
			if cfg, err := config.Unmarshal(v); err == nil {
				observability.InitializeLogger(cfg.Logger)
			} else {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "quotebot"})
			}
			observability.GetLogger().Debug("Starting quotebot", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), viperKey, v))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./quotebot.yaml)")
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file loaded into the environment before config is read")
	rootCmd.SetVersionTemplate(`{{printf "quotebot version %s\n" .Version}}`)

	rootCmd.AddCommand(newQuoteCmd(), newCheckConfigCmd(), newHistoryCmd(), newVersionCmd())
	return rootCmd
}

// Execute runs the command tree with ctx and logs a failure once.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil {
		// A failed run has already been logged stage by stage.
		if !errors.Is(err, errRunFailed) {
			observability.GetLogger().Error("Command execution failed", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	observability.Sync()
	return err
}

// initializeConfig loads the dotenv file, the config file and the
// environment into v, then binds annotated flags on top.
func initializeConfig(cmd *cobra.Command, v *viper.Viper) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		// Variables already set in the environment win over the file.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("error loading env file %s: %w", envFile, err)
		}
	}

	cfgFile, _ := cmd.Flags().GetString("config")
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("quotebot")
		v.SetConfigType("yaml")
	}

	config.BindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return bindFlags(cmd, v)
}

// bindFlags lets flags marked with bindFlag override their config keys.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		keys, ok := f.Annotations[configKeyAnnotation]
		if !ok || len(keys) == 0 || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(keys[0], f)
	})
	return bindErr
}

// bindFlag marks flag name as an override for key.
func bindFlag(cmd *cobra.Command, name, key string) {
	if err := cmd.Flags().SetAnnotation(name, configKeyAnnotation, []string{key}); err != nil {
		panic(fmt.Sprintf("flag %q is not defined: %v", name, err))
	}
}

// viperFrom returns the configuration loaded by the root command.
func viperFrom(cmd *cobra.Command) (*viper.Viper, error) {
	v, ok := cmd.Context().Value(viperKey).(*viper.Viper)
	if !ok || v == nil {
		return nil, errors.New("configuration has not been initialized")
	}
	return v, nil
}
