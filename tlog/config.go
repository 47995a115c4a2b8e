package tlog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format is the logging format. Implements pflag.Value.
type Format string

// Format values
const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

func (f *Format) String() string {
	return string(*f)
}

// Set parses the flag value
func (f *Format) Set(value string) error {
	switch Format(value) {
	case FormatJSON, FormatText:
		*f = Format(value)
		return nil
	}
	return fmt.Errorf("invalid log format %q, expected json or text", value)
}

// Type names the flag value type in usage messages
func (f *Format) Type() string {
	return "format"
}

// Color is the coloring setting for text format. Implements pflag.Value.
type Color string

// Color values
const (
	ColorAuto Color = ""
	ColorYes  Color = "yes"
	ColorNo   Color = "no"
)

func (c *Color) String() string {
	if *c == ColorAuto {
		return "auto"
	}
	return string(*c)
}

// Set parses the flag value, "auto" and "" both meaning ColorAuto
func (c *Color) Set(value string) error {
	switch value {
	case "", "auto":
		*c = ColorAuto
	case string(ColorYes), string(ColorNo):
		*c = Color(value)
	default:
		return fmt.Errorf("invalid log color %q, expected yes, no or auto", value)
	}
	return nil
}

// Type names the flag value type in usage messages
func (c *Color) Type() string {
	return "color"
}

// Config is the configuration for creating a top-level logger
type Config struct {
	Name    string // top-level logger name (optional)
	Format  Format
	Color   Color
	Verbose bool // enable messages at Debug level
}

// DefaultEncoderConfig is the zap encoder configuration of top-level loggers:
// production keys with microsecond ISO 8601 timestamps
var DefaultEncoderConfig = func() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000000Z0700")
	ec.EncodeDuration = zapcore.StringDurationEncoder
	return ec
}()
