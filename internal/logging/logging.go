// Package logging builds the process-wide logrus logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

// Options selects level, format and destination.
type Options struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a configured logger. An unknown level falls back to info and is
// reported once through the logger itself.
func New(opts Options) *logrus.Logger {
	log := logrus.New()

	if strings.EqualFold(opts.Format, "text") {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	var out io.Writer = os.Stdout
	if opts.File != "" {
		out = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
	}
	log.SetOutput(out)

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		log.SetLevel(logrus.InfoLevel)
		log.WithField("level", opts.Level).Warn("Unknown log level, using info")
		return log
	}
	log.SetLevel(level)
	return log
}
