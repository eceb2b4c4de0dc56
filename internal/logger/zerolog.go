package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ZerologAdapter struct {
	logger zerolog.Logger
}

// Options selects console level and an optional rotating log file.
type Options struct {
	Level      zerolog.Level
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func NewZerolog(writer io.Writer, level zerolog.Level) *ZerologAdapter {
	logger := zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &ZerologAdapter{logger: logger}
}

func NewConsoleLogger(level zerolog.Level) *ZerologAdapter {
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}
	return NewZerolog(consoleWriter, level)
}

// New builds the console logger and, when opts.File is set, tees JSON lines into a rotated file.
func New(opts Options) *ZerologAdapter {
	console := zerolog.ConsoleWriter{Out: os.Stderr}
	if opts.File == "" {
		return NewZerolog(console, opts.Level)
	}

	file := &lumberjack.Logger{
		Filename:   opts.File,
		LocalTime:  true,
		Compress:   true,
		MaxSize:    orDefault(opts.MaxSizeMB, 100),
		MaxAge:     orDefault(opts.MaxAgeDays, 7),
		MaxBackups: orDefault(opts.MaxBackups, 3),
	}

	return NewZerolog(zerolog.MultiLevelWriter(console, file), opts.Level)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (z *ZerologAdapter) With(fields map[string]interface{}) Logger {
	return &ZerologAdapter{logger: z.logger.With().Fields(fields).Logger()}
}

func (z *ZerologAdapter) Info(component, message string, fields map[string]interface{}) {
	event := z.logger.Info().Str("component", component)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(message)
}

func (z *ZerologAdapter) Error(component, message string, err error, fields map[string]interface{}) {
	event := z.logger.Error().Str("component", component).Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(message)
}

func (z *ZerologAdapter) Warning(component, message string, fields map[string]interface{}) {
	event := z.logger.Warn().Str("component", component)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(message)
}

func (z *ZerologAdapter) Debug(component, message string, fields map[string]interface{}) {
	event := z.logger.Debug().Str("component", component)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(message)
}
