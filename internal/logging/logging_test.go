package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/agent-tape/internal/model"
)

func TestNew_FansOutToFile(t *testing.T) {
	var term bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "tape.log")

	l, err := New(Options{Level: "info", File: path, Writer: &term})
	require.NoError(t, err)
	l.Info("appended", "count", 2)
	l.Debug("hidden")
	require.NoError(t, l.Close())

	assert.Contains(t, term.String(), "msg=appended")
	assert.NotContains(t, term.String(), "hidden")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(b), &rec))
	assert.Equal(t, "appended", rec["msg"])
	assert.Equal(t, float64(2), rec["count"])
}

func TestNew_LevelIsAdjustable(t *testing.T) {
	var term bytes.Buffer
	l, err := New(Options{Writer: &term, Format: "json"})
	require.NoError(t, err)

	l.Info("quiet")
	assert.Empty(t, term.String())

	l.Level.Set(slog.LevelDebug)
	l.Debug("loud")
	assert.True(t, strings.HasPrefix(term.String(), "{"))
	assert.Contains(t, term.String(), `"msg":"loud"`)
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(Options{Level: "chatty"})
	assert.ErrorIs(t, err, model.ErrConfiguration)
	_, err = New(Options{Format: "xml"})
	assert.ErrorIs(t, err, model.ErrConfiguration)
}
