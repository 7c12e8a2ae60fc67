// Package sysutil holds process bootstrap helpers shared by the reconciler
// server and the device sync client.
package sysutil

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging installs the global zerolog logger: JSON lines by default,
// a console writer when pretty is set. Every line carries the component name.
func SetupLogging(w io.Writer, level string, pretty bool, component string) {
	if w == nil {
		w = os.Stderr
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(parseLevel(level))
	log.Logger = zerolog.New(w).With().Timestamp().Str("component", component).Logger()
}

// parseLevel maps a LOG_LEVEL value to a zerolog level. "warning" is
// accepted; anything unrecognised means info.
func parseLevel(s string) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// DeviceID returns explicit when set, otherwise the hostname, otherwise
// "unknown-device".
func DeviceID(explicit string) string {
	if id := strings.TrimSpace(explicit); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown-device"
}
