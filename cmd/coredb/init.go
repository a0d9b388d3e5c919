package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"coredb/pkg/config"
)

// initConfig loads the YAML config over the defaults, applies a non-zero
// memberID from the command line and validates the result. A missing file
// yields config.Default().
func initConfig(path string, memberID uint64) (config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Info("config file not found, using default config", "path", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if memberID != 0 {
		cfg.Member.ID = memberID
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// initLogger sets up the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logger.Level)); err != nil {
		return nil, fmt.Errorf("logger level: %w", err)
	}

	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("member", cfg.Member.ID)
	slog.SetDefault(logger)
	logger.Info("logger initialized", "level", level, "json", cfg.Logger.JSON)
	return logger, nil
}
