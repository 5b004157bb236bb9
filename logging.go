package muxplugin

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
)

// Verbosity levels for logger.V().
const (
	DEFAULT = 2
	VERBOSE = 3
	DEBUG   = 4
	TRACE   = 5
)

// Level is the severity passed to Registry.Log.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// defaultLogger writes to stderr.  verbosity is the highest V() level
// that is emitted.
func defaultLogger(verbosity int) logr.Logger {
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", prefix, args)
			return
		}
		fmt.Fprintln(os.Stderr, args)
	}, funcr.Options{Verbosity: verbosity}).WithName("muxplugin")
}

// Log writes message at level.  When reg is not nil the message is
// attributed to that plugin by prefixing its registered name.
func (r *Registry) Log(level Level, message string, reg *Registration, keysAndValues ...interface{}) {
	if reg != nil {
		message = reg.Name + ": " + message
	}
	logger := r.logger
	switch level {
	case LevelDebug:
		logger.V(DEBUG).Info(message, keysAndValues...)
	case LevelInfo:
		logger.V(DEFAULT).Info(message, keysAndValues...)
	case LevelWarning:
		logger.Info(message, append([]interface{}{"severity", "warning"}, keysAndValues...)...)
	case LevelError:
		logger.Error(nil, message, keysAndValues...)
	default:
		logger.Error(nil, message, append([]interface{}{"severity", level.String()}, keysAndValues...)...)
	}
}

// Logger returns the registry's logger.
func (r *Registry) Logger() logr.Logger {
	return r.logger
}
