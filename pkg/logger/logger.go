package logger

import (
	"log"
	"os"
	"sync/atomic"
)

type Logger struct {
	info  *log.Logger
	error *log.Logger
	debug *log.Logger
}

var Default = New()

// verbosity gates Debug output; any level below 3 silences it. SetVerbosity
// is typically called once at startup from the -verbosity CLI flag.
var verbosity atomic.Int32

// SetVerbosity sets the current verbosity level. Debug messages are
// emitted only at level 3 or higher (the CLI's cutoff for debug-grade
// logging); at lower levels they are dropped.
func SetVerbosity(level int) {
	verbosity.Store(int32(level))
}

func New() *Logger {
	return &Logger{
		info:  log.New(os.Stdout, "[INFO] ", log.LstdFlags),
		error: log.New(os.Stderr, "[ERROR] ", log.LstdFlags),
		debug: log.New(os.Stdout, "[DEBUG] ", log.LstdFlags),
	}
}

func (l *Logger) Info(format string, v ...any) {
	l.info.Printf(format, v...)
}

func (l *Logger) Error(format string, v ...any) {
	l.error.Printf(format, v...)
}

func (l *Logger) Debug(format string, v ...any) {
	if verbosity.Load() < 3 {
		return
	}
	l.debug.Printf(format, v...)
}

func Info(format string, v ...any) {
	Default.Info(format, v...)
}

func Error(format string, v ...any) {
	Default.Error(format, v...)
}

func Debug(format string, v ...any) {
	Default.Debug(format, v...)
}
