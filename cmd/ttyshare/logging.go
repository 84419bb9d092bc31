package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/PiranhaCodes/ttyshare/internal/config"
	"github.com/PiranhaCodes/ttyshare/internal/transcode"
)

// configureLogger creates a logger from flags and the config file.
// --log-level wins over the config file's log_level, which wins over --verbose.
// The returned close function releases the log file, if one was opened.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, func(), error) {
	// Default to panic level (essentially silent for normal operations)
	logLevel := logrus.PanicLevel

	levelStr, _ := cmd.Flags().GetString("log-level")
	if levelStr == "" {
		levelStr = cfg.LogLevel
	}
	if levelStr != "" {
		switch levelStr {
		case "debug":
			logLevel = logrus.DebugLevel
		case "info":
			logLevel = logrus.InfoLevel
		case "warn":
			logLevel = logrus.WarnLevel
		case "error":
			logLevel = logrus.ErrorLevel
		default:
			return nil, nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", levelStr)
		}
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logLevel = logrus.DebugLevel
	}

	logger := logrus.New()
	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	logFile, _ := cmd.Flags().GetString("log-file")
	if logFile == "" {
		logFile = cfg.LogFile
	}
	if logFile == "" {
		// stderr shares the owning terminal, which is raw while a session runs
		logger.SetOutput(&transcode.Writer{W: cmd.ErrOrStderr(), Mode: transcode.CRLF})
		return logger, func() {}, nil
	}

	path, err := config.ExpandPath(logFile)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logger.SetOutput(f)
	return logger, func() { f.Close() }, nil
}

// loadConfig reads the config file named by --config, or the default one.
// found reports whether a file was read.
func loadConfig(cmd *cobra.Command) (cfg *config.Config, found bool, err error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}
