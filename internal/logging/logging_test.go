package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FansOutAndFilters(t *testing.T) {
	var a, b bytes.Buffer
	logger := New(zerolog.WarnLevel, &a, &b)

	logger.Info().Msg("dropped")
	logger.Warn().Str("id", "42").Msg("kept")

	for _, buf := range []*bytes.Buffer{&a, &b} {
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 1)

		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
		assert.Equal(t, "warn", entry["level"])
		assert.Equal(t, "kept", entry["message"])
		assert.Equal(t, "42", entry["id"])
		assert.Contains(t, entry, "time")
	}
}

func TestSetup_File(t *testing.T) {
	previous, previousLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = previous
		zerolog.SetGlobalLevel(previousLevel)
	})

	path := filepath.Join(t.TempDir(), "matchbook.log")
	closer, err := Setup(Config{Level: "debug", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	log.Debug().Msg("written to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestSetup_BadLevel(t *testing.T) {
	_, err := Setup(Config{Level: "loud"})
	assert.Error(t, err)
}
