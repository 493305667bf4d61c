package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger. Setup replaces it.
var Log *Logger

type Logger struct {
	z zerolog.Logger
}

func init() {
	Log = New(os.Stderr, "console")
}

// New builds a logger writing to w, either as console text or as json lines.
func New(w io.Writer, format string) *Logger {
	if strings.ToLower(format) != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return &Logger{z: zerolog.New(w).With().Timestamp().Logger()}
}

// Setup configures the global logger level and output format.
func Setup(level string, format string) {
	zerolog.SetGlobalLevel(parseLevel(level))
	Log = New(os.Stderr, format)
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger that stamps every event with the given pairs.
func (l *Logger) With(args ...interface{}) *Logger {
	c := l.z.With()
	for i := 0; i+1 < len(args); i += 2 {
		c = c.Interface(fieldKey(args[i]), args[i+1])
	}
	return &Logger{z: c.Logger()}
}

func (l *Logger) Info(msg string, args ...interface{}) {
	emit(l.z.Info(), msg, args)
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	emit(l.z.Debug(), msg, args)
}

func (l *Logger) Warn(msg string, args ...interface{}) {
	emit(l.z.Warn(), msg, args)
}

func (l *Logger) Error(msg string, args ...interface{}) {
	emit(l.z.Error(), msg, args)
}

// emit attaches key/value pairs and sends the event. A trailing key with no
// value is dropped.
func emit(e *zerolog.Event, msg string, args []interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		if err, ok := args[i+1].(error); ok {
			e.AnErr(fieldKey(args[i]), err)
			continue
		}
		e.Interface(fieldKey(args[i]), args[i+1])
	}
	e.Msg(msg)
}

func fieldKey(k interface{}) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", k)
}
