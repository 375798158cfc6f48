package logger

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestLogger_KeyValueFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "debug").With("session", "s1")

	l.Err(errors.New("boom"), "resume failed", "handle", "h-1")

	line := buf.Bytes()
	assert.Equal(t, "error", gjson.GetBytes(line, "level").String())
	assert.Equal(t, "boom", gjson.GetBytes(line, "error").String())
	assert.Equal(t, "h-1", gjson.GetBytes(line, "handle").String())
	assert.Equal(t, "s1", gjson.GetBytes(line, "session").String())
	assert.Equal(t, "resume failed", gjson.GetBytes(line, "message").String())
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "warn")
	l.Debug("hidden")
	l.Info("hidden")
	assert.Zero(t, buf.Len())
	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}
