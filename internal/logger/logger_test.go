package logger

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerologAdapter_WritesComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewZerolog(&buf, zerolog.DebugLevel)

	log.Info("Coordinator", "run started", map[string]interface{}{"images": 3})

	out := buf.String()
	assert.Contains(t, out, `"component":"Coordinator"`)
	assert.Contains(t, out, `"images":3`)
	assert.Contains(t, out, `"message":"run started"`)
}

func TestZerologAdapter_ErrorCarriesCause(t *testing.T) {
	var buf bytes.Buffer
	log := NewZerolog(&buf, zerolog.InfoLevel)

	log.Error("Coordinator", "roi failed", errors.New("boom"), nil)
	assert.Contains(t, buf.String(), `"error":"boom"`)
}

func TestZerologAdapter_WithAddsFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewZerolog(&buf, zerolog.InfoLevel).With(map[string]interface{}{"run_id": "abc"})

	log.Warning("Resumer", "stage skipped", nil)
	assert.Contains(t, buf.String(), `"run_id":"abc"`)
}

func TestZerologAdapter_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := NewZerolog(&buf, zerolog.WarnLevel)

	log.Debug("x", "hidden", nil)
	log.Info("x", "hidden", nil)
	assert.Empty(t, buf.String())
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
