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

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/boardsync/boardsync/internal/client"
	"github.com/boardsync/boardsync/internal/client/config"
	"github.com/boardsync/boardsync/internal/utils"
	"github.com/boardsync/boardsync/internal/version"
)

var (
	home, _        = os.UserHomeDir()
	configFileName = "config"
)

var rootCmd = &cobra.Command{
	Use:     "boardsync [path]",
	Short:   "Watch a directory and keep a MicroPython board's filesystem in sync",
	Args:    cobra.MaximumNArgs(1),
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		watchDir := viper.GetString("watch_dir")
		if len(args) > 0 {
			watchDir = args[0]
		}

		// create & validate config
		cfg := &config.Config{
			WatchDir:     watchDir,
			MountDir:     viper.GetString("mount_dir"),
			SerialPort:   viper.GetString("serial_port"),
			MainFile:     viper.GetString("main_file"),
			SettleWindow: viper.GetDuration("settle_window"),
			MaxRetries:   viper.GetInt("max_retries"),
			Reboot:       viper.GetBool("reboot"),
			Verbose:      viper.GetBool("verbose"),
			Path:         viper.ConfigFileUsed(),
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		// all good now, silence usage and show header
		cmd.SilenceUsage = true
		setupLogging(cfg.Verbose)
		showBoardsyncHeader()

		c, err := client.New(cfg)
		if err != nil {
			return err
		}

		defer slog.Info("Bye!")
		return c.Start(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("mount", "d", "", "Mount point of the board's filesystem")
	rootCmd.Flags().StringP("port", "p", "", "Serial port of the board (e.g. /dev/ttyACM0, COM4)")
	rootCmd.Flags().StringP("main", "m", config.DefaultMainFile, "Main file referenced by boot.py")
	rootCmd.Flags().Duration("settle", config.DefaultSettleWindow, "Quiet period before a burst of changes is synced")
	rootCmd.Flags().Int("retries", config.DefaultMaxRetries, "Max attempts per file before a change is dropped")
	rootCmd.Flags().BoolP("reboot", "r", true, "Soft reboot the board after each sync")
	rootCmd.Flags().BoolP("verbose", "v", false, "Log all actions to the console")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "Boardsync config file")
}

func main() {
	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	// config path
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".boardsync"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !enoent && !notFound {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	// Bind flags to viper
	viper.BindPFlag("mount_dir", cmd.Flags().Lookup("mount"))
	viper.BindPFlag("serial_port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("main_file", cmd.Flags().Lookup("main"))
	viper.BindPFlag("settle_window", cmd.Flags().Lookup("settle"))
	viper.BindPFlag("max_retries", cmd.Flags().Lookup("retries"))
	viper.BindPFlag("reboot", cmd.Flags().Lookup("reboot"))
	viper.BindPFlag("verbose", cmd.Flags().Lookup("verbose"))
	viper.SetDefault("watch_dir", ".")

	// Set up environment variables
	viper.SetEnvPrefix("BOARDSYNC")
	viper.AutomaticEnv()

	return nil
}

// setupLogging fans slog out to a colored console handler and a plain text
// log file under the user config dir.
func setupLogging(verbose bool) {
	consoleLevel := slog.LevelInfo
	if verbose {
		consoleLevel = slog.LevelDebug
	}

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      consoleLevel,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})

	handlers := []slog.Handler{stdoutHandler}

	logFile := config.DefaultLogFilePath
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
	} else if file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
	} else {
		handlers = append(handlers, slog.NewTextHandler(file, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}

	logger := slog.New(utils.NewFanoutHandler(handlers...))
	slog.SetDefault(logger)
}

func showBoardsyncHeader() {
	color.New(color.FgHiCyan, color.Bold).Println(version.ShortWithApp())
}
