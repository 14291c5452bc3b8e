package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%s) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNew_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(&Config{Level: "warn", Output: &buf, Component: "relay"})
	require.NoError(t, err)
	defer closer.Close()

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, `"component":"relay"`)
}

func TestNew_WritesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "relay.log")
	var console bytes.Buffer

	logger, closer, err := New(&Config{Level: "debug", FilePath: path, Output: &console})
	require.NoError(t, err)

	logger.Debug().Str("key", "value").Msg("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "to file"))
	assert.Contains(t, console.String(), "to file")
}

func TestInit_InstallsGlobal(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	var buf bytes.Buffer
	closer, err := Init(&Config{Level: "info", Output: &buf})
	require.NoError(t, err)
	defer closer.Close()

	l := Component("dispatch")
	l.Info().Msg("ready")
	assert.Contains(t, buf.String(), `"component":"dispatch"`)
}

func TestDefaultAndVerboseConfig(t *testing.T) {
	assert.Equal(t, "info", DefaultConfig().Level)
	v := VerboseConfig()
	assert.Equal(t, "debug", v.Level)
	assert.True(t, v.WithCaller)
}
