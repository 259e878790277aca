package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Init must run before any package reaches
// for it; until then it's zerolog's no-op default.
var Logger zerolog.Logger

// Level is a string so config files and flags can carry it without an
// intermediate enum conversion.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

func (l Level) zerolog() zerolog.Level {
	parsed, err := zerolog.ParseLevel(string(l))
	if err != nil {
		return zerolog.InfoLevel
	}
	return parsed
}

// Config controls how Init builds the global logger. Output defaults to
// stdout; a nil Output is only ever a caller omission, never a deliberate
// "discard" request (use io.Discard explicitly for that).
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
	// PID, when true, tags every line with the process id. Useful when
	// several hashfsd instances share one log stream (a dev compose stack,
	// a journald unit fed from a supervisor) and the level/component
	// fields alone don't disambiguate which process emitted a line.
	PID bool
}

var pidHook = zerolog.HookFunc(func(e *zerolog.Event, level zerolog.Level, msg string) {
	e.Int("pid", os.Getpid())
})

// Init builds the global Logger from cfg. JSON output is the wire format for
// anything that ships logs off-box (journald, a log shipper); the console
// writer is for a human staring at a terminal during hashfs-admin runs and
// local development, so it gets a friendlier time format and no field-name
// quoting noise.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level.zerolog())
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = newConsoleWriter(output)
	}

	builder := zerolog.New(output).With().Timestamp()
	Logger = builder.Logger()
	if cfg.PID {
		Logger = Logger.Hook(pidHook)
	}
}

func newConsoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:             out,
		TimeFormat:      time.Kitchen,
		FormatFieldName: func(i interface{}) string { return i.(string) + "=" },
		FieldsExclude:   []string{"pid"},
	}
}

// WithComponent tags a child logger with the subsystem emitting it
// (blockstore, metastore, gc, rebalance, jobqueue...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithVolume tags a child logger with the volume a log line concerns.
func WithVolume(volumeID string) zerolog.Logger {
	return Logger.With().Str("volume_id", volumeID).Logger()
}

// WithShard tags a child logger with the metadata/block shard index a log
// line concerns.
func WithShard(shard int) zerolog.Logger {
	return Logger.With().Int("shard", shard).Logger()
}

// WithJob tags a child logger with the job queue row a log line concerns.
func WithJob(job int64) zerolog.Logger {
	return Logger.With().Int64("job", job).Logger()
}

func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

// Errorf logs err under a static message. It's named for the fmt-style call
// sites it replaces, not because format verbs are accepted.
func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
