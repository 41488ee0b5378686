// Package logging builds the zerolog logger shared by the CLI, the meter and
// the daemon.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// New returns a console logger writing to w at the given level
// (debug, info, warn, error). An empty level means info.
func New(w io.Writer, level string, noColor bool) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level = strings.TrimSpace(level); level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	out := zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    noColor,
		TimeFormat: "15:04:05",
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

// NewJSON returns a JSON logger for detached daemons whose output goes to a
// log file.
func NewJSON(w io.Writer, level string) (zerolog.Logger, error) {
	l, err := New(w, level, true)
	if err != nil {
		return l, err
	}
	return zerolog.New(w).Level(l.GetLevel()).With().Timestamp().Logger(), nil
}
