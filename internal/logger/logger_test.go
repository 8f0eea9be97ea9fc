package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLoggerTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetFormat(FORMAT_JSON)
	SetLevel(LOG_INFO)
	defer SetSilentMode(true)

	log := GetLogger("broker")
	log.Info().Str("device_id", "term-1").Msg("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "broker", line["component"])
	assert.Equal(t, "term-1", line["device_id"])
	assert.Equal(t, "hello", line["message"])
}

func TestSetLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	tests := []struct {
		level    string
		expected zerolog.Level
	}{
		{LOG_DEBUG, zerolog.DebugLevel},
		{LOG_INFO, zerolog.InfoLevel},
		{LOG_WARN, zerolog.WarnLevel},
		{LOG_ERROR, zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			SetLevel(tt.level)
			assert.Equal(t, tt.expected, zerolog.GlobalLevel())
		})
	}
}

func TestSilentModeDiscards(t *testing.T) {
	SetSilentMode(true)
	log := New()
	// Must not panic and must not write anywhere observable
	log.Info().Msg("discarded")
}
