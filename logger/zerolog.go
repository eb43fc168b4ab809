package logger

import (
	"io"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts a zerolog.Logger to the Logger interface. It is the
// logger the broker binary uses; embedded servers may pass any Logger.
type ZerologLogger struct {
	l zerolog.Logger
}

// NewZerologLogger builds a ZerologLogger writing to w.
func NewZerologLogger(w io.Writer) *ZerologLogger {
	return &ZerologLogger{l: zerolog.New(w).With().Timestamp().Logger()}
}

// NewZerologConsoleLogger builds a ZerologLogger with human-readable
// console output.
func NewZerologConsoleLogger(w io.Writer) *ZerologLogger {
	return &ZerologLogger{l: zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()}
}

func (z *ZerologLogger) Fatal(format string, a ...any) { z.l.Fatal().Msgf(format, a...) }
func (z *ZerologLogger) Err(format string, a ...any)   { z.l.Error().Msgf(format, a...) }
func (z *ZerologLogger) Warn(format string, a ...any)  { z.l.Warn().Msgf(format, a...) }
func (z *ZerologLogger) Info(format string, a ...any)  { z.l.Info().Msgf(format, a...) }
func (z *ZerologLogger) Debug(format string, a ...any) { z.l.Debug().Msgf(format, a...) }
