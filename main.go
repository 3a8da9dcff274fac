package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/tkivela/collabsync-go/cmd"
	"github.com/tkivela/collabsync-go/internal/conf"
	"github.com/tkivela/collabsync-go/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	settings, err := conf.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	level := slog.LevelInfo
	if settings.Debug {
		level = slog.LevelDebug
	}
	logging.Init(level)

	if settings.Main.Log.Enabled {
		fileLogger, closeLogger, err := logging.NewFileLoggerWithRotation(
			settings.Main.Log.Path, settings.Main.Name, level,
			logging.FileRotation{
				MaxSizeMB:  settings.Main.Log.MaxSizeMB,
				MaxBackups: settings.Main.Log.MaxBackups,
				MaxAgeDays: settings.Main.Log.MaxAgeDays,
			})
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer func() { _ = closeLogger() }()
		slog.SetDefault(fileLogger)
	}

	rootCmd := cmd.RootCommand(settings)
	return rootCmd.Execute()
}
