// Package logging builds the broker's structured, optionally rotated
// log/slog logger (SPEC_FULL ambient stack §7).
package logging

import (
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds a JSON slog.Logger at the given level. When file is non-empty,
// output is written through a lumberjack rotating writer instead of
// stdout.
func New(level slog.Level, file string) *slog.Logger {
	var writer = os.Stdout
	var handler slog.Handler

	if file != "" {
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		handler = slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}
