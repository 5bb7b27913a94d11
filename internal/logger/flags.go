package logger

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// Flags holds all logging-related command-line flags.
type Flags struct {
	LogLevel    string
	LogFormat   string
	LogFile     string
	DebugRTSP   bool
	DebugM4A    bool
	DebugAudio  bool
	DebugAll    bool
}

// RegisterFlags registers logging flags with the given pflag.FlagSet.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVarP(&f.LogLevel, "log-level", "l", "info", "log level: debug, info, warn, error")
	fs.StringVar(&f.LogFormat, "log-format", "text", "log output format: text, json")
	fs.StringVarP(&f.LogFile, "log-file", "o", "", "log output file path (default: stdout)")

	fs.BoolVar(&f.DebugRTSP, "debug-rtsp", false, "trace RTSP requests and responses")
	fs.BoolVar(&f.DebugM4A, "debug-m4a", false, "trace the M4A box walk")
	fs.BoolVar(&f.DebugAudio, "debug-audio", false, "trace audio pump frame emission")
	fs.BoolVar(&f.DebugAll, "debug-all", false, "enable every debug category")

	return f
}

// ToConfig converts Flags into a logger Config.
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format
	cfg.OutputFile = f.LogFile

	switch {
	case f.DebugAll:
		cfg.EnableCategory(CategoryAll)
		cfg.Level = LevelDebug
	default:
		if f.DebugRTSP {
			cfg.EnableCategory(CategoryRTSP)
			cfg.Level = LevelDebug
		}
		if f.DebugM4A {
			cfg.EnableCategory(CategoryM4A)
			cfg.Level = LevelDebug
		}
		if f.DebugAudio {
			cfg.EnableCategory(CategoryAudio)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// String renders the active flag set for a single startup log line.
func (f *Flags) String() string {
	parts := []string{
		fmt.Sprintf("level=%s", f.LogLevel),
		fmt.Sprintf("format=%s", f.LogFormat),
	}
	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var categories []string
	switch {
	case f.DebugAll:
		categories = append(categories, "all")
	default:
		if f.DebugRTSP {
			categories = append(categories, "rtsp")
		}
		if f.DebugM4A {
			categories = append(categories, "m4a")
		}
		if f.DebugAudio {
			categories = append(categories, "audio")
		}
	}
	if len(categories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(categories, ",")))
	}

	return strings.Join(parts, " ")
}
