// Package logger builds the leveled zerolog loggers used by both binaries.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/lumberjack/v2"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a logger writing to console and, when configured, to a rotating
// file under cfg.Dir. The returned closer flushes the file writer.
func New(cfg config.LoggingConfig, console io.Writer) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel

	if cfg.Debug {
		level = zerolog.DebugLevel
	} else if cfg.Level != "" {
		var err error

		level, err = zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, err
		}
	}

	if console == nil {
		console = os.Stderr
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}}
	var closer io.Closer = nopCloser{}

	if path := cfg.LogPath(); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return zerolog.Nop(), nopCloser{}, err
		}

		file := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		writers = append(writers, file)
		closer = file
	}

	log := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()

	return log, closer, nil
}

// WithComponent tags every entry of log with a component name.
func WithComponent(log zerolog.Logger, component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
