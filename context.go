package asdf

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// LogLevel gates the library's diagnostics, initialized from ASDF_LOG_LEVEL.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
	LogFatal
	LogNone
)

func logLevelFromEnv() LogLevel {
	switch strings.ToLower(os.Getenv("ASDF_LOG_LEVEL")) {
	case "debug":
		return LogDebug
	case "info":
		return LogInfo
	case "warn", "warning":
		return LogWarn
	case "error":
		return LogError
	case "fatal":
		return LogFatal
	case "none", "off":
		return LogNone
	}
	return LogWarn
}

// Context holds the last error and logging configuration shared by a file
// and everything it owns (parser, emitter, stream, blocks). The library
// also keeps one global context for errors raised before any file exists.
type Context struct {
	err      error
	logLevel LogLevel
}

func newContext() *Context {
	return &Context{logLevel: logLevelFromEnv()}
}

var globalContext = newContext()

// Err returns the context's last error, or nil.
func (c *Context) Err() error {
	if c == nil {
		return globalContext.err
	}
	return c.err
}

func (c *Context) setErr(err error) {
	if c == nil {
		c = globalContext
	}
	c.err = err
}

func (c *Context) level() LogLevel {
	if c == nil {
		return globalContext.logLevel
	}
	return c.logLevel
}

func (c *Context) debugf(format string, args ...interface{}) {
	if c.level() <= LogDebug {
		log.Printf(format, args...)
	}
}

func (c *Context) warnf(format string, args ...interface{}) {
	if c.level() <= LogWarn {
		log.Printf("Warning: "+format, args...)
	}
}

func (c *Context) logErrorf(format string, args ...interface{}) {
	if c.level() <= LogError {
		log.Printf("Error: "+format, args...)
	}
}

// recordf formats an error, records it as the context's last error and
// returns it.
func (c *Context) recordf(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	c.setErr(err)
	return err
}

// Error returns the message of the last error recorded on file's context,
// or on the global context when file is nil. Empty when no error occurred.
func Error(file *File) string {
	ctx := globalContext
	if file != nil && file.ctx != nil {
		ctx = file.ctx
	}
	if ctx.err == nil {
		return ""
	}
	return ctx.err.Error()
}
