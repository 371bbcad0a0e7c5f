package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("err"))
	assert.Equal(t, zerolog.Disabled, ParseLevel("off"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New("warn", "json", &buf)
	l.Info().Msg("hidden")
	l.Warn().Str("stage", "restore").Msg("shown")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"stage":"restore"`)
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	l := New("info", "console", &buf)
	l.Info().Msg("predictions saved")
	assert.Contains(t, buf.String(), "predictions saved")
	assert.False(t, strings.HasPrefix(buf.String(), "{"))
}
