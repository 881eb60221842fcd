// internal/logger/logger.go

package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

type Mode int

const (
	MINIMAL Mode = iota
	NORMAL
	FULL
)

var (
	levelNames = map[Level]string{
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
		FATAL: "FATAL",
	}

	levelColors = map[Level]string{
		DEBUG: "\033[36m",
		INFO:  "\033[32m",
		WARN:  "\033[33m",
		ERROR: "\033[31m",
		FATAL: "\033[35m",
	}

	resetColor = "\033[0m"
)

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// output is shared by a root logger and every child created with Named.
type output struct {
	mu         sync.Mutex
	level      Level
	mode       Mode
	consoleOut io.Writer
	fileOut    io.Writer
	logFile    *os.File
	useColors  bool
	exit       func(int)
}

type Logger struct {
	out       *output
	component string
}

type Config struct {
	Level       Level
	Mode        Mode
	LogFilePath string
	UseColors   bool
	// Writer replaces stdout as the console destination when set.
	Writer io.Writer
}

func New(cfg Config) (*Logger, error) {
	out := &output{
		level:      cfg.Level,
		mode:       cfg.Mode,
		consoleOut: os.Stdout,
		useColors:  cfg.UseColors,
		exit:       os.Exit,
	}
	if cfg.Writer != nil {
		out.consoleOut = cfg.Writer
	}

	if cfg.LogFilePath != "" {
		if err := out.setupLogFile(cfg.LogFilePath); err != nil {
			return nil, fmt.Errorf("failed to setup log file: %w", err)
		}
	}

	return &Logger{out: out}, nil
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return &Logger{out: &output{level: FATAL + 1, exit: func(int) {}}}
}

// Named returns a child logger whose lines are tagged with the component name.
func (l *Logger) Named(component string) *Logger {
	name := component
	if l.component != "" {
		name = l.component + "." + component
	}
	return &Logger{out: l.out, component: name}
}

func (o *output) setupLogFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	o.logFile = file
	o.fileOut = file
	return nil
}

func (l *Logger) Close() error {
	if l.out.logFile != nil {
		return l.out.logFile.Close()
	}
	return nil
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	o := l.out

	o.mu.Lock()
	defer o.mu.Unlock()

	if level < o.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	if l.component != "" {
		message = "[" + l.component + "] " + message
	}

	var consoleMsg, fileMsg string

	switch o.mode {
	case MINIMAL:
		consoleMsg = o.formatMinimal(level, message)
		fileMsg = fmt.Sprintf("%s [%s] %s", timestamp, levelNames[level], message)

	case NORMAL:
		consoleMsg = o.formatNormal(level, timestamp, message)
		fileMsg = fmt.Sprintf("%s [%s] %s", timestamp, levelNames[level], message)

	case FULL:
		file, line := getCaller()
		location := fmt.Sprintf("%s:%d", file, line)
		consoleMsg = o.formatFull(level, timestamp, location, message)
		fileMsg = fmt.Sprintf("%s [%s] %s | %s", timestamp, levelNames[level], location, message)
	}

	if o.consoleOut != nil {
		fmt.Fprintln(o.consoleOut, consoleMsg)
	}

	if o.fileOut != nil {
		fmt.Fprintln(o.fileOut, fileMsg)
	}

	if level == FATAL {
		o.exit(1)
	}
}

func (o *output) formatMinimal(level Level, msg string) string {
	if o.useColors {
		return fmt.Sprintf("%s[%s]%s %s", levelColors[level], levelNames[level], resetColor, msg)
	}
	return fmt.Sprintf("[%s] %s", levelNames[level], msg)
}

func (o *output) formatNormal(level Level, timestamp, msg string) string {
	if o.useColors {
		return fmt.Sprintf("%s[%s]%s %s | %s", levelColors[level], levelNames[level], resetColor, timestamp, msg)
	}
	return fmt.Sprintf("[%s] %s | %s", levelNames[level], timestamp, msg)
}

func (o *output) formatFull(level Level, timestamp, location, msg string) string {
	if o.useColors {
		return fmt.Sprintf("%s[%s]%s %s | %s | %s",
			levelColors[level], levelNames[level], resetColor, timestamp, location, msg)
	}
	return fmt.Sprintf("[%s] %s | %s | %s", levelNames[level], timestamp, location, msg)
}

// getCaller skips log, the level method and getCaller itself.
func getCaller() (string, int) {
	_, file, line, ok := runtime.Caller(3)
	if !ok {
		return "unknown", 0
	}
	return filepath.Base(file), line
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

func (l *Logger) Fatal(format string, args ...interface{}) {
	l.log(FATAL, format, args...)
}

func (l *Logger) SetLevel(level Level) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.level = level
}

func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return DEBUG
	case "info", "INFO":
		return INFO
	case "warn", "WARN", "warning", "WARNING":
		return WARN
	case "error", "ERROR":
		return ERROR
	case "fatal", "FATAL":
		return FATAL
	default:
		return INFO
	}
}

func ParseMode(s string) Mode {
	switch s {
	case "minimal", "MINIMAL":
		return MINIMAL
	case "normal", "NORMAL":
		return NORMAL
	case "full", "FULL":
		return FULL
	default:
		return NORMAL
	}
}
