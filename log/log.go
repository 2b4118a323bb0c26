// Package log provides the logger construction and field helpers shared by the
// merklesync components. Components themselves log through *zap.Logger.
package log

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogEncoder defines a log encoder kind.
type LogEncoder = string

const (
	// ConsoleLogEncoder represents logging with plain text.
	ConsoleLogEncoder LogEncoder = "console"
	// JSONLogEncoder represents logging with JSON.
	JSONLogEncoder LogEncoder = "json"
)

// where logs go by default.
var logWriter io.Writer = os.Stdout

// NewEncoder returns a zap encoder of the specified kind.
func NewEncoder(kind LogEncoder) (zapcore.Encoder, error) {
	switch kind {
	case ConsoleLogEncoder, "":
		return zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), nil
	case JSONLogEncoder:
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), nil
	default:
		return nil, fmt.Errorf("unknown log encoder %q", kind)
	}
}

// NewWithLevel creates a logger with a fixed level and with a set of (optional) hooks.
func NewWithLevel(module string,
	level zap.AtomicLevel,
	encoder zapcore.Encoder,
	hooks ...func(zapcore.Entry) error,
) *zap.Logger {
	return newWithWriter(logWriter, module, level, encoder, hooks...)
}

func newWithWriter(
	w io.Writer,
	module string,
	level zap.AtomicLevel,
	encoder zapcore.Encoder,
	hooks ...func(zapcore.Entry) error,
) *zap.Logger {
	core := zapcore.NewCore(encoder, zapcore.AddSync(w), level)
	return zap.New(zapcore.RegisterHooks(core, hooks...)).Named(module)
}

// ParseLevel parses the level name, returning an atomic level that can be
// changed later.
func ParseLevel(name string) (zap.AtomicLevel, error) {
	lvl := zap.NewAtomicLevel()
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return lvl, fmt.Errorf("parse log level %q: %w", name, err)
	}
	return lvl, nil
}

// ShortString is implemented by identifiers that have an abbreviated form
// suitable for logs.
type ShortString interface {
	ShortString() string
}

type shortStringAdapter struct {
	val ShortString
}

func (a shortStringAdapter) String() string {
	return a.val.ShortString()
}

// ZShortStringer returns a zap field that logs the abbreviated form of the value.
func ZShortStringer(name string, val ShortString) zap.Field {
	return zap.Stringer(name, shortStringAdapter{val: val})
}
