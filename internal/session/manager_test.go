package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"cdpmirror/internal/cdp"
	"cdpmirror/pkg/domain"
)

func TestManager_Lifecycle(t *testing.T) {
	m := NewManager(nil)
	s := New("s1", domain.SessionConfig{DevToolsURL: "http://127.0.0.1:1"}, cdp.New("http://127.0.0.1:1", nil))
	m.Add(s)

	got, ok := m.Get("s1")
	assert.True(t, ok)
	assert.Same(t, s, got)
	assert.Len(t, m.List(), 1)
	assert.Nil(t, got.Interceptor())

	removed, ok := m.Remove("s1")
	assert.True(t, ok)
	assert.Same(t, s, removed)
	_, ok = m.Remove("s1")
	assert.False(t, ok)
	assert.Empty(t, m.List())
}
