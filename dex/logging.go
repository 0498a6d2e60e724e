// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/decred/slog"
)

// Every component constructor will accept a Logger. All logging should take
// place through the provided logger.
type Logger = slog.Logger

// Disabled is a Logger that will never output anything.
var Disabled Logger = slog.Disabled

// LoggerMaker allows creation of new log subsystems with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// NewLoggerMaker parses the debug level string into a new *LoggerMaker. The
// debugLevel string can be a single level for all subsystems, or a
// comma-separated list of SUBSYS=level pairs, optionally led by a default
// level, e.g. "info,MKT=trace,PAY=debug".
func NewLoggerMaker(writer io.Writer, debugLevel string) (*LoggerMaker, error) {
	lm := &LoggerMaker{
		Backend:      slog.NewBackend(writer),
		DefaultLevel: slog.LevelInfo,
		Levels:       make(map[string]slog.Level),
	}
	for _, pair := range strings.Split(debugLevel, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		if !strings.Contains(pair, "=") {
			lvl, ok := slog.LevelFromString(pair)
			if !ok {
				return nil, fmt.Errorf("unknown log level %q", pair)
			}
			lm.DefaultLevel = lvl
			continue
		}
		fields := strings.Split(pair, "=")
		if len(fields) != 2 || fields[0] == "" {
			return nil, fmt.Errorf("invalid subsystem level pair %q", pair)
		}
		lvl, ok := slog.LevelFromString(fields[1])
		if !ok {
			return nil, fmt.Errorf("unknown log level %q for subsystem %s", fields[1], fields[0])
		}
		lm.Levels[fields[0]] = lvl
	}
	return lm, nil
}

// Logger creates a Logger for the subsystem, using any level set for that
// subsystem by name, or the DefaultLevel otherwise.
func (lm *LoggerMaker) Logger(name string) Logger {
	level, ok := lm.Levels[name]
	if !ok {
		level = lm.DefaultLevel
	}
	return lm.NewLogger(name, level)
}

// SubLogger creates a Logger with a subsystem name "parent[name]", using any
// known log level for the parent subsystem, defaulting to the DefaultLevel if
// the parent does not have an explicitly set level.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	level, ok := lm.Levels[parent]
	if !ok {
		level = lm.DefaultLevel
	}
	logger := lm.Backend.Logger(fmt.Sprintf("%s[%s]", parent, name))
	logger.SetLevel(level)
	return logger
}

// NewLogger creates a new Logger for the subsystem with the given name. If a
// log level is specified, it is used for the Logger. Otherwise the DefaultLevel
// is used.
func (lm *LoggerMaker) NewLogger(name string, level ...slog.Level) Logger {
	lvl := lm.DefaultLevel
	if len(level) > 0 {
		lvl = level[0]
	}
	logger := lm.Backend.Logger(name)
	logger.SetLevel(lvl)
	return logger
}

// StdOutLogger creates a Logger with the provided name and level that writes
// to stdout. Mostly useful in tests.
func StdOutLogger(name string, lvl slog.Level) Logger {
	logger := slog.NewBackend(os.Stdout).Logger(name)
	logger.SetLevel(lvl)
	return logger
}
