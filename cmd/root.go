package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/BBlag/mp2stix/internal/config"
	"github.com/BBlag/mp2stix/internal/observability"
)

// envPrefix namespaces environment overrides, e.g. MP2STIX_OUTPUT_PATH.
const envPrefix = "MP2STIX"

var (
	cfgFile string
	envFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mp2stix",
	Short: "Builds a STIX 2.1 knowledge graph from Malpedia, MISP and the Malpedia bibliography.",
	Long: `mp2stix fuses the Malpedia malware catalog, the MISP threat-actor galaxy and the
Malpedia bibliography into one deduplicated STIX 2.1 bundle of malware, intrusion
sets, "uses" relationships and reports.`,
	Version:       config.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := viper.GetViper()
		if err := initializeConfig(v, cfgFile, envFile); err != nil {
			return fmt.Errorf("failed to initialize configuration: %w", err)
		}

		var cfg config.Config
		if err := v.Unmarshal(&cfg); err != nil {
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "mp2stix"})
			return fmt.Errorf("failed to unmarshal config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			observability.InitializeLogger(cfg.Logger)
			return fmt.Errorf("invalid configuration: %w", err)
		}
		config.Set(&cfg)

		observability.InitializeLogger(cfg.Logger)
		observability.GetLogger().Debug("Configuration loaded",
			zap.String("version", config.Version),
			zap.String("config_file", v.ConfigFileUsed()))
		return nil
	},
}

// Execute runs the command tree with a context that main cancels on SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	defer observability.Sync()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// Cancellation is an expected way to stop a run, not a failure.
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			observability.GetLogger().Warn("Run cancelled, no output written")
			return err
		}
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with MP2STIX_* overrides, ignored when absent")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(newBuildCmd(NewComponentFactory()))
	rootCmd.AddCommand(newVersionCmd())
}

// initializeConfig layers defaults, the config file and MP2STIX_* environment
// variables onto v, in increasing order of precedence. Variables from the
// dotenv file never override ones already set in the process environment.
func initializeConfig(v *viper.Viper, file, dotEnv string) error {
	config.SetDefaults(v)

	if dotEnv != "" {
		if err := godotenv.Load(dotEnv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error reading env file: %w", err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The sink's connection string is commonly provided as DATABASE_URL.
	_ = v.BindEnv("postgres.url", envPrefix+"_POSTGRES_URL", "DATABASE_URL")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults and the environment still apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}
