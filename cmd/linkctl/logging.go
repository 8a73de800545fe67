package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/linkmgr/pkg/config"
)

// configureLogger builds the logger for a command. --log-level takes precedence
// over --verbose, which takes precedence over a log_level from an explicit
// --config file. Without any of them the tool stays silent.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	level := logrus.PanicLevel

	levelStr, _ := cmd.Flags().GetString("log-level")
	verbose, _ := cmd.Flags().GetBool("verbose")
	configPath, _ := cmd.Flags().GetString("config")

	switch {
	case levelStr != "":
		switch levelStr {
		case "debug":
			level = logrus.DebugLevel
		case "info":
			level = logrus.InfoLevel
		case "warn":
			level = logrus.WarnLevel
		case "error":
			level = logrus.ErrorLevel
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", levelStr)
		}
	case verbose:
		level = logrus.DebugLevel
	case configPath != "":
		parsed, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		level = parsed
	}

	logger := cfg.NewLogger()
	logger.SetLevel(level)
	logger.SetOutput(cmd.ErrOrStderr())
	return logger, nil
}
