package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openmirror/drivesync/internal/app"
	"github.com/openmirror/drivesync/internal/config"
	"github.com/openmirror/drivesync/internal/version"
)

var logLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:     "drivesync",
	Short:   "Cloud drive sync client",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}
		return setLogLevel(viper.GetString("log_level"))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &config.Config{
			Path:                         viper.ConfigFileUsed(),
			DataDir:                      viper.GetString("data_dir"),
			ServerURL:                    viper.GetString("server_url"),
			APIKey:                       viper.GetString("api_key"),
			PollInterval:                 viper.GetDuration("poll_interval"),
			MaxMetadataJobs:              viper.GetInt("max_metadata_jobs"),
			MaxFileJobs:                  viper.GetInt("max_file_jobs"),
			BackgroundTransfersOnMetered: viper.GetBool("background_transfers_on_metered"),
			MinFreeBytes:                 viper.GetUint64("min_free_bytes"),
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		cmd.SilenceUsage = true

		a, err := app.New(cfg)
		if err != nil {
			return err
		}

		defer slog.Info("bye")
		return a.Start(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("datadir", "d", config.DefaultDataDir, "Local data directory")
	rootCmd.Flags().StringP("server", "s", config.DefaultServerURL, "Drive server URL")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "Config file")
}

func main() {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	slog.SetDefault(slog.New(handler))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".drivesync"))
		viper.AddConfigPath(filepath.Join(home, ".config/drivesync"))
		viper.SetConfigName("config")
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !enoent && !notFound {
			return fmt.Errorf("config read %q: %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("data_dir", cmd.Flags().Lookup("datadir"))       //nolint:errcheck
	viper.BindPFlag("server_url", cmd.Flags().Lookup("server"))      //nolint:errcheck
	viper.BindPFlag("log_level", cmd.Flags().Lookup("log-level"))    //nolint:errcheck

	viper.SetEnvPrefix("DRIVESYNC")
	viper.AutomaticEnv()
	return nil
}

func setLogLevel(level string) error {
	switch level {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "", "info":
		logLevel.Set(slog.LevelInfo)
	case "warn":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	return nil
}
