package core

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

const logFilePermission = 0o640

// ZerologLogger adapts a zerolog.Logger to Logger.
type ZerologLogger struct {
	log  zerolog.Logger
	file *os.File
}

// NewZerologLogger writes JSON lines to w (stderr when nil) at level.
func NewZerologLogger(w io.Writer, level string) (*ZerologLogger, error) {
	if w == nil {
		w = os.Stderr
	}
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		lvl = parsed
	}
	return &ZerologLogger{log: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}, nil
}

// NewZerologFileLogger appends JSON lines to the file at path.
func NewZerologFileLogger(path, level string) (*ZerologLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, logFilePermission)
	if err != nil {
		return nil, err
	}
	l, err := NewZerologLogger(zerolog.SyncWriter(f), level)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	l.file = f
	return l, nil
}

// Zerolog exposes the wrapped logger.
func (l *ZerologLogger) Zerolog() zerolog.Logger { return l.log }

// Close releases the log file, if any.
func (l *ZerologLogger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l *ZerologLogger) Debug(msg string, args ...any) { l.emit(l.log.Debug(), msg, args) }
func (l *ZerologLogger) Info(msg string, args ...any)  { l.emit(l.log.Info(), msg, args) }
func (l *ZerologLogger) Warn(msg string, args ...any)  { l.emit(l.log.Warn(), msg, args) }
func (l *ZerologLogger) Error(msg string, args ...any) { l.emit(l.log.Error(), msg, args) }

func (l *ZerologLogger) emit(ev *zerolog.Event, msg string, args []any) {
	if ev == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if i+1 >= len(args) {
			ev = ev.Bool(key, true)
			break
		}
		switch v := args[i+1].(type) {
		case error:
			ev = ev.AnErr(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}
