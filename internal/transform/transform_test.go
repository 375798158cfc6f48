package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"cdpmirror/internal/config"
	"cdpmirror/pkg/domain"
)

func mustNew(t *testing.T, steps ...config.StepConfig) *Transformer {
	t.Helper()
	tr, err := New(config.TransformConfig{Steps: steps})
	require.NoError(t, err)
	return tr
}

func TestTransform_PassThroughForNonScript(t *testing.T) {
	tr := mustNew(t, config.StepConfig{Type: "replace", Search: "a", Replace: "b", All: true})
	for _, rt := range []domain.ResourceType{domain.ResourceDocument, domain.ResourceOther} {
		body := []byte("banana \x00\xff")
		out, err := tr.Transform(body, rt)
		require.NoError(t, err)
		assert.Equal(t, body, out)
	}
}

func TestTransform_ReplaceAndRegex(t *testing.T) {
	tr := mustNew(t,
		config.StepConfig{Type: "replace", Search: "debugger;", Replace: "", All: true},
		config.StepConfig{Type: "regex", Search: `console\.(log|debug)`, Replace: "void 0&&console.$1"},
	)
	out, err := tr.Transform([]byte("debugger;console.log(1);debugger;"), domain.ResourceScript)
	require.NoError(t, err)
	assert.Equal(t, "void 0&&console.log(1);", string(out))
}

func TestTransform_ReplaceFirstOnly(t *testing.T) {
	tr := mustNew(t, config.StepConfig{Type: "replace", Search: "x", Replace: "y"})
	out, err := tr.Transform([]byte("xxx"), domain.ResourceScript)
	require.NoError(t, err)
	assert.Equal(t, "yxx", string(out))
}

func TestTransform_Deterministic(t *testing.T) {
	tr := mustNew(t, config.StepConfig{Type: "validate"}, config.StepConfig{Type: "regex", Search: `\s+`, Replace: " "})
	body := []byte("var a =\n\n 1;\nfunction f() {  return a }")
	first, err := tr.Transform(body, domain.ResourceScript)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := tr.Transform(body, domain.ResourceScript)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestTransform_ValidateFailsOnMalformedScript(t *testing.T) {
	tr := mustNew(t, config.StepConfig{Type: "validate"})
	_, err := tr.Transform([]byte("function ( {"), domain.ResourceScript)
	assert.ErrorIs(t, err, ErrTransform)

	ok := []byte("var x = {a: 1}; x.a += 1;")
	out, err := tr.Transform(ok, domain.ResourceScript)
	require.NoError(t, err)
	assert.Equal(t, ok, out)
}

func TestTransform_JSONPatch(t *testing.T) {
	tr := mustNew(t,
		config.StepConfig{Type: "json_patch", Path: "/config/debug", Op: "set", Value: false},
		config.StepConfig{Type: "json_patch", Path: "trace", Op: "delete"},
	)
	out, err := tr.Transform([]byte(`{"config":{"debug":true},"trace":"x"}`), domain.ResourceScript)
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(out, "config.debug").Bool())
	assert.False(t, gjson.GetBytes(out, "trace").Exists())

	_, err = tr.Transform([]byte("not json"), domain.ResourceScript)
	assert.ErrorIs(t, err, ErrTransform)
}

func TestNew_RejectsBadSteps(t *testing.T) {
	bad := []config.StepConfig{
		{Type: "minify"},
		{Type: "replace"},
		{Type: "regex", Search: "("},
		{Type: "json_patch", Op: "set"},
		{Type: "json_patch", Path: "a", Op: "move"},
	}
	for _, s := range bad {
		_, err := New(config.TransformConfig{Steps: []config.StepConfig{s}})
		assert.Error(t, err, "%+v", s)
	}
}

func TestTransform_NoStepsIsIdentity(t *testing.T) {
	tr := mustNew(t)
	body := []byte("anything")
	out, err := tr.Transform(body, domain.ResourceScript)
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestTransformer_FingerprintFollowsSteps(t *testing.T) {
	a := mustNew(t, config.StepConfig{Type: "replace", Search: "v1", Replace: "A"})
	same := mustNew(t, config.StepConfig{Type: "replace", Search: "v1", Replace: "A"})
	other := mustNew(t, config.StepConfig{Type: "replace", Search: "v1", Replace: "B"})

	assert.Equal(t, a.Fingerprint(), same.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), other.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), mustNew(t).Fingerprint())
}
