// Package ulogger provides the structured logger used across the daemon.
package ulogger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ordishs/go-utils"
	"github.com/ordishs/gocore"
	"github.com/rs/zerolog"
)

// Logger is the logging interface every component in this module depends on.
// It is satisfied by ZLoggerWrapper and by gocore's own logger, so callers can
// swap backends via the "logger" config key without touching call sites.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	LogLevel() int
}

const (
	colorBlack = iota + 30
	colorRed
	colorGreen
	colorYellow
	colorBlue
	colorMagenta
	colorCyan
	colorWhite

	colorBold = 1
)

// ZLoggerWrapper adapts a zerolog.Logger to the Logger interface and tags
// every line with the owning service name.
type ZLoggerWrapper struct {
	zerolog.Logger
	service string
}

// New returns the configured Logger for service, honouring the "logger"
// config key ("zerolog" default, "gocore" to fall back to gocore's logger).
func New(service string, logLevel ...string) utils.Logger {
	useLogger, _ := gocore.Config().Get("logger", "zerolog")

	switch useLogger {
	case "gocore":
		if len(logLevel) > 0 {
			l := gocore.NewLogLevelFromString(logLevel[0])
			return gocore.Log(service, l)
		}

		return gocore.Log(service)
	default:
		return NewZeroLogger(service, logLevel...)
	}
}

// NewZeroLogger builds a zerolog-backed Logger directly, bypassing the
// "logger" config switch. Useful for tests that want a deterministic backend.
func NewZeroLogger(service string, logLevel ...string) *ZLoggerWrapper {
	if service == "" {
		service = "sispopd"
	}

	var z *ZLoggerWrapper
	if gocore.Config().GetBool("PRETTY_LOGS", true) {
		z = prettyZeroLogger(service)
	} else {
		z = &ZLoggerWrapper{
			zerolog.New(os.Stdout).With().
				CallerWithSkipFrameCount(zerolog.CallerSkipFrameCount + 2).
				Timestamp().
				Logger(),
			service,
		}
	}

	if len(logLevel) > 0 {
		setZerologLogLevel(logLevel[0], z)
	}

	return z
}

func setZerologLogLevel(logLevel string, z *ZLoggerWrapper) {
	switch strings.ToUpper(logLevel) {
	case "DEBUG":
		z.Logger = z.Logger.Level(zerolog.DebugLevel)
	case "INFO":
		z.Logger = z.Logger.Level(zerolog.InfoLevel)
	case "WARN":
		z.Logger = z.Logger.Level(zerolog.WarnLevel)
	case "ERROR":
		z.Logger = z.Logger.Level(zerolog.ErrorLevel)
	case "FATAL":
		z.Logger = z.Logger.Level(zerolog.FatalLevel)
	default:
		z.Logger = z.Logger.Level(zerolog.InfoLevel)
	}
}

func prettyZeroLogger(service string) *ZLoggerWrapper {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	output.FormatTimestamp = func(i interface{}) string {
		parsed, _ := time.Parse(time.RFC3339, i.(string))
		return parsed.Format("15:04:05")
	}

	output.FormatLevel = func(i interface{}) string {
		l := strings.ToUpper(fmt.Sprintf("%-6s", i))

		switch i {
		case "debug":
			l = colorize(l, colorBlue, false)
		case "info":
			l = colorize(l, colorGreen, false)
		case "warn":
			l = colorize(l, colorYellow, false)
		case "error", "fatal", "panic":
			l = colorize(l, colorRed, false)
		default:
			l = colorize(l, colorWhite, false)
		}

		return fmt.Sprintf("| %s|", l)
	}

	output.FormatMessage = func(i interface{}) string {
		return fmt.Sprintf("| %-6s| %s", service, i)
	}

	output.FormatFieldName = func(i interface{}) string {
		return fmt.Sprintf("%s:", i)
	}

	output.FormatFieldValue = func(i interface{}) string {
		return strings.ToUpper(fmt.Sprintf("%s", i))
	}

	output.FormatCaller = func(i interface{}) string {
		c, _ := i.(string)
		if len(c) == 0 {
			return c
		}

		if cwd, err := os.Getwd(); err == nil {
			if rel, err := filepath.Rel(cwd, c); err == nil {
				c = rel
			}
		}

		split := strings.Split(c, "/")
		current := len(split) - 1
		c = split[current]
		current--

		for current >= 0 && len(c)+len(split[current])+1 <= 32 {
			c = split[current] + "/" + c
			current--
		}

		return colorize(fmt.Sprintf("%-32s", c), colorBold, false)
	}

	return &ZLoggerWrapper{
		zerolog.New(output).With().
			CallerWithSkipFrameCount(zerolog.CallerSkipFrameCount + 1).
			Timestamp().
			Logger(),
		service,
	}
}

// LogLevel maps the zerolog level to gocore's level scale, so code written
// against gocore's conventions keeps working unchanged.
func (z *ZLoggerWrapper) LogLevel() int {
	switch z.Logger.GetLevel() {
	case zerolog.DebugLevel:
		return int(gocore.DEBUG)
	case zerolog.InfoLevel:
		return int(gocore.INFO)
	case zerolog.WarnLevel:
		return int(gocore.WARN)
	case zerolog.ErrorLevel:
		return int(gocore.ERROR)
	case zerolog.FatalLevel:
		return int(gocore.FATAL)
	default:
		return int(gocore.INFO)
	}
}

func (z *ZLoggerWrapper) Debugf(format string, args ...interface{}) { z.Logger.Debug().Msgf(format, args...) }
func (z *ZLoggerWrapper) Infof(format string, args ...interface{})  { z.Logger.Info().Msgf(format, args...) }
func (z *ZLoggerWrapper) Warnf(format string, args ...interface{})  { z.Logger.Warn().Msgf(format, args...) }
func (z *ZLoggerWrapper) Errorf(format string, args ...interface{}) { z.Logger.Error().Msgf(format, args...) }
func (z *ZLoggerWrapper) Fatalf(format string, args ...interface{}) { z.Logger.Fatal().Msgf(format, args...) }

// Output duplicates the logger and sets w as its output.
func (z *ZLoggerWrapper) Output(w io.Writer) *ZLoggerWrapper {
	return &ZLoggerWrapper{z.Logger.Output(w), z.service}
}

// TestLogger discards everything; it satisfies Logger for unit tests that
// need a logger but don't care what it does with the output.
type TestLogger struct{}

func (TestLogger) Debugf(format string, args ...interface{}) {}
func (TestLogger) Infof(format string, args ...interface{})  {}
func (TestLogger) Warnf(format string, args ...interface{})  {}
func (TestLogger) Errorf(format string, args ...interface{}) {}
func (TestLogger) Fatalf(format string, args ...interface{}) {}
func (TestLogger) LogLevel() int                             { return int(gocore.INFO) }

func colorize(s interface{}, c int, disabled bool) string {
	if os.Getenv("NO_COLOR") != "" || c == 0 {
		disabled = true
	}

	if disabled {
		return fmt.Sprintf("%s", s)
	}

	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", c, s)
}
