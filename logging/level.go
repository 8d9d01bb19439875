// Package logging builds the slog loggers used by the pipeline commands.
package logging

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelNotice sits between info and warn. Per-cell outcomes log at notice.
const LevelNotice = slog.Level(2)

var (
	customLevels = map[slog.Leveler]string{
		LevelNotice: "NOTICE",
	}
	customLevelsTerm = map[slog.Leveler]string{
		LevelNotice: "\u001B[34m" + "NTC" + "\u001B[0m",
	}
)

// Level is the threshold shared by every logger built by New.
var Level = &level{lvl: &slog.LevelVar{}}

type level struct {
	lvl *slog.LevelVar
}

func (l *level) Enabled(level slog.Level) bool {
	return level >= l.lvl.Level()
}

func (l *level) Set(level slog.Level) {
	l.lvl.Set(level)
}

func (l *level) Get() slog.Level {
	return l.lvl.Level()
}

// SetByName sets the threshold from a level name. Unknown names are an error
// and leave the threshold unchanged.
func (l *level) SetByName(name string) error {
	switch strings.ToLower(name) {
	case "err", "error":
		l.lvl.Set(slog.LevelError)
	case "warn", "warning":
		l.lvl.Set(slog.LevelWarn)
	case "notice":
		l.lvl.Set(LevelNotice)
	case "", "info":
		l.lvl.Set(slog.LevelInfo)
	case "debug":
		l.lvl.Set(slog.LevelDebug)
	default:
		return fmt.Errorf("unknown log level %q", name)
	}
	return nil
}
