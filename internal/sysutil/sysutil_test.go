package sysutil

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":     zerolog.DebugLevel,
		"  DeBuG  ": zerolog.DebugLevel,
		"info":      zerolog.InfoLevel,
		"":          zerolog.InfoLevel,
		"warn":      zerolog.WarnLevel,
		"warning":   zerolog.WarnLevel,
		"error":     zerolog.ErrorLevel,
		"fatal":     zerolog.FatalLevel,
		"panic":     zerolog.PanicLevel,
		"loud":      zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v; want %v", in, got, want)
		}
	}
}

func TestSetupLogging_JSONWithComponent(t *testing.T) {
	orig := zerolog.GlobalLevel()
	prev := log.Logger
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(orig)
		log.Logger = prev
	})

	var buf bytes.Buffer
	SetupLogging(&buf, "warn", false, "posclient")
	log.Info().Msg("hidden")
	log.Warn().Str("tenant_id", "t1").Msg("queued")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered at warn: %s", out)
	}
	if !strings.Contains(out, `"component":"posclient"`) || !strings.Contains(out, `"tenant_id":"t1"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}

func TestSetupLogging_Pretty(t *testing.T) {
	orig := zerolog.GlobalLevel()
	prev := log.Logger
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(orig)
		log.Logger = prev
	})

	var buf bytes.Buffer
	SetupLogging(&buf, "debug", true, "posserver")
	log.Debug().Msg("drain started")

	out := buf.String()
	if strings.HasPrefix(out, "{") || !strings.Contains(out, "drain started") || !strings.Contains(out, "component") || !strings.Contains(out, "posserver") {
		t.Fatalf("expected console output, got %q", out)
	}
}

func TestDeviceID(t *testing.T) {
	if got := DeviceID(" till-7 "); got != "till-7" {
		t.Fatalf("explicit id ignored: %q", got)
	}
	if got := DeviceID("  "); strings.TrimSpace(got) == "" {
		t.Fatalf("fallback id must not be blank")
	}
}
