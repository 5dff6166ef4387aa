package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/modsync/internal/config"
	"github.com/openmined/modsync/internal/utils"
	"github.com/openmined/modsync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const configFileName = "config"

var (
	cfg       *config.Config
	logLevel  = new(slog.LevelVar)
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:           "modsync",
	Short:         "Keep SPT mods in sync with a mod profile",
	Version:       version.Detailed(),
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		if err := loadConfig(cmd); err != nil {
			return err
		}
		cmd.SilenceUsage = true
		return setupFileLog(cfg.LogDir())
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.SortFlags = false
	flags.StringP("config", "c", "", "config file (default "+filepath.Join(config.DefaultConfigDir, "config.yaml")+")")
	flags.StringP("game-dir", "g", ".", "SPT game directory")
	flags.String("state-dir", config.DefaultStateDir, "directory for snapshots, locks, logs and backups")
	flags.String("cache-dir", config.DefaultCacheDir, "download cache directory")
	flags.StringP("profile", "p", "", "mod profile (default <game-dir>/"+config.DefaultProfileName+")")
	flags.StringP("target", "t", "client", "install target: client or server")
	flags.IntP("concurrency", "j", config.DefaultConcurrency, "mods fetched in parallel")
	flags.Bool("reset-snapshots", false, "move a corrupt snapshot database aside and start fresh")
	flags.BoolP("verbose", "v", false, "debug logging")
}

func main() {
	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      logLevel,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	slog.SetDefault(slog.New(stdoutHandler))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if logCloser != nil {
		logCloser.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, red.Render("error:"), err)
		os.Exit(1)
	}
}

// setupFileLog adds a debug level file handler next to the terminal handler.
func setupFileLog(logDir string) error {
	if err := utils.EnsureDir(logDir); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(logDir, "modsync.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	interceptor := utils.NewLogInterceptor(file)
	logCloser = closerFunc(func() error {
		interceptor.Close()
		return file.Close()
	})

	fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// the interceptor stamps each line
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(slog.Default().Handler(), fileHandler)))
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

func loadConfig(cmd *cobra.Command) error {
	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	v := viper.New()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(config.DefaultConfigDir)
		v.AddConfigPath(".")
		v.SetConfigName(configFileName)
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	defaults := config.Default()
	v.SetDefault("concurrency", defaults.Concurrency)
	v.SetDefault("check_game_dir", defaults.CheckGameDir)
	v.SetDefault("guard_processes", defaults.GuardProcesses)

	flags := cmd.Flags()
	v.BindPFlag("game_dir", flags.Lookup("game-dir"))
	v.BindPFlag("state_dir", flags.Lookup("state-dir"))
	v.BindPFlag("cache_dir", flags.Lookup("cache-dir"))
	v.BindPFlag("profile", flags.Lookup("profile"))
	v.BindPFlag("target", flags.Lookup("target"))
	v.BindPFlag("concurrency", flags.Lookup("concurrency"))

	v.SetEnvPrefix("MODSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("github_token", "MODSYNC_GITHUB_TOKEN", "GITHUB_TOKEN")
	for _, key := range []string{"bucket", "region", "endpoint", "access_key", "secret_key", "prefix"} {
		v.BindEnv("s3." + key)
	}

	loaded := &config.Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return fmt.Errorf("config decode: %w", err)
	}
	if loaded.S3 != nil && !loaded.S3.Enabled() {
		loaded.S3 = nil
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if verbose, _ := flags.GetBool("verbose"); verbose {
		logLevel.Set(slog.LevelDebug)
	}

	slog.Debug("config loaded", "file", v.ConfigFileUsed(), "game", loaded.GameDir, "profile", loaded.Profile)
	cfg = loaded
	return nil
}
