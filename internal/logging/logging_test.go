package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("info"))
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel(" warning "))
	assert.Equal(t, zerolog.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("bogus"))
}

func TestWithRequestIDGeneratesWhenEmpty(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "")
	require.NotEmpty(t, id)
	assert.Equal(t, id, RequestID(ctx))

	ctx2, id2 := WithRequestID(ctx, "req-7")
	assert.Equal(t, "req-7", id2)
	assert.Equal(t, "req-7", RequestID(ctx2))
}

func TestRollingFileWriterRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agingos.log")

	w := &rollingFileWriter{path: path, maxBytes: 64}
	line := []byte(strings.Repeat("x", 40) + "\n")

	_, err := w.Write(line)
	require.NoError(t, err)
	_, err = w.Write(line)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	// second write exceeded maxBytes, so one rotated file plus the live file
	assert.Len(t, entries, 2)
}

func TestInitWritesToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.log")

	logger := Init(Config{Format: "json", Level: "info", FilePath: path})
	logger.Info().Str("component", "test").Msg("hello from test")
	Shutdown()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from test")
}
