package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel string

const (
	LogLevelDebug    LogLevel = "debug"
	LogLevelInfo     LogLevel = "info"
	LogLevelWarn     LogLevel = "warn"
	LogLevelError    LogLevel = "error"
	LogLevelDisabled LogLevel = "disabled"
)

type LogMode string

const (
	LogModeDebug  LogMode = "debug"
	LogModePretty LogMode = "pretty"
	LogModeInfo   LogMode = "info"
	LogModeProd   LogMode = "prod"
	LogModeTest   LogMode = "test"
)

// Config controls the global logger.
type Config struct {
	Level      LogLevel
	Pretty     bool
	TimeFormat string
	Output     io.Writer
}

var (
	log zerolog.Logger = zerolog.Nop()
	mu  sync.RWMutex
)

// Init configures the global logger.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = "2006-01-02 15:04:05"
	}

	var w io.Writer = out
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: cfg.TimeFormat,
			NoColor:    false,
			FormatLevel: func(i interface{}) string {
				s, _ := i.(string)
				return colorizeLevel(s)
			},
			FormatMessage: func(i interface{}) string {
				s, _ := i.(string)
				return colorize(s, cyan)
			},
			FormatFieldName: func(i interface{}) string {
				return colorize(fmt.Sprint(i)+":", gray)
			},
			FormatFieldValue: func(i interface{}) string {
				switch v := i.(type) {
				case string:
					return colorize(v, blue)
				case json.Number:
					return colorize(v.String(), blue)
				default:
					return colorize(fmt.Sprint(v), blue)
				}
			},
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	l := zerolog.New(w).With().Timestamp().Logger()

	mu.Lock()
	log = l
	mu.Unlock()
	zerolog.DefaultContextLogger = &l
}

// InitWithMode picks level and formatting from a named mode.
func InitWithMode(mode LogMode) {
	switch mode {
	case LogModeDebug:
		Init(Config{Level: LogLevelDebug, Pretty: true})
	case LogModeInfo:
		Init(Config{Level: LogLevelInfo, Pretty: true})
	case LogModeProd:
		Init(Config{Level: LogLevelInfo, Pretty: false})
	case LogModeTest:
		Init(Config{Level: LogLevelDisabled})
	default:
		Init(Config{Level: LogLevelDebug, Pretty: true})
	}
}

func parseLevel(l LogLevel) zerolog.Level {
	switch l {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelInfo:
		return zerolog.InfoLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	case LogLevelDisabled:
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// ANSI color codes
const (
	gray  = "\x1b[37m"
	blue  = "\x1b[34m"
	cyan  = "\x1b[36m"
	red   = "\x1b[31m"
	reset = "\x1b[0m"
)

func colorize(s, color string) string {
	return color + s + reset
}

func colorizeLevel(level string) string {
	switch level {
	case "debug":
		return colorize("DBG", gray)
	case "info":
		return colorize("INF", blue)
	case "warn":
		return colorize("WRN", cyan)
	case "error":
		return colorize("ERR", red)
	default:
		return colorize(level, blue)
	}
}

// Get returns the logger instance
func Get() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(component string) zerolog.Logger {
	return Get().With().Str("component", component).Logger()
}

// Error logs an error message
func Error(err error, msg string) {
	l := Get()
	l.Error().Err(err).Msg(msg)
}

// Info logs an info message
func Info(msg string) {
	l := Get()
	l.Info().Msg(msg)
}

// Debug logs a debug message
func Debug(msg string) {
	l := Get()
	l.Debug().Msg(msg)
}
