package config

import (
	"fmt"
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOutput returns where logs go: a rotating file when log.file is set,
// stderr otherwise. The returned closer is a no-op for stderr.
func (c *Config) LogOutput() (io.Writer, io.Closer) {
	if c.Log.File == "" {
		return os.Stderr, io.NopCloser(nil)
	}
	rotator := &lumberjack.Logger{
		Filename:   c.Log.File,
		MaxSize:    c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAgeDays,
		Compress:   true,
	}
	return rotator, rotator
}

// NewLogger returns a logger with a bracketed component prefix writing to w.
func NewLogger(w io.Writer, component string) *log.Logger {
	return log.New(w, "["+component+"] ", log.LstdFlags)
}

// Exitf prints an error and exits with status 1. Deferred calls do not run,
// so it is only for failures before anything has been opened; commands
// return their errors instead.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
