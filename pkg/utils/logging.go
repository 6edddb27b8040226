package utils

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// LogConfig selects the process log level, encoding and an optional file
// that receives a copy of every entry.
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"`
	OutputPath string `json:"output_path" yaml:"output_path"`
}

func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Format: LogFormatText}
}

// Validate rejects levels logrus does not know and unsupported formats.
// Empty fields fall back to info and text.
func (c LogConfig) Validate() error {
	if _, err := c.level(); err != nil {
		return err
	}
	switch strings.ToLower(c.Format) {
	case "", LogFormatText, LogFormatJSON:
		return nil
	}
	return fmt.Errorf("unknown log format %q (want %s or %s)", c.Format, LogFormatText, LogFormatJSON)
}

func (c LogConfig) level() (logrus.Level, error) {
	if c.Level == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("unknown log level %q", c.Level)
	}
	return level, nil
}

func (c LogConfig) formatter() logrus.Formatter {
	if strings.EqualFold(c.Format, LogFormatJSON) {
		return &logrus.JSONFormatter{}
	}
	return &logrus.TextFormatter{FullTimestamp: true}
}

// ConfigureLogger builds the process logger. Entries always go to stdout and
// are appended to OutputPath as well when one is set.
func ConfigureLogger(c LogConfig) (*logrus.Logger, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	level, _ := c.level()

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(c.formatter())
	logger.SetOutput(os.Stdout)

	if c.OutputPath != "" {
		file, err := os.OpenFile(c.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, file))
	}
	return logger, nil
}
