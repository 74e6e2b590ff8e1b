package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/codetrace/internal/errors"
)

func TestInputs(t *testing.T) {
	in := NewInputs(map[string]any{"b": 2, "a": 1})
	assert.Equal(t, []string{"a", "b"}, in.Keys())

	require.NoError(t, in.Set("c", 3))
	require.NoError(t, in.Set("a", 10))
	assert.Equal(t, []string{"a", "b", "c"}, in.Keys())

	v, ok := in.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 10, v)

	m := in.Map()
	m["a"] = 99
	v, _ = in.Get("a")
	assert.Equal(t, 10, v, "Map returns a copy")
}

func TestInputs_Frozen(t *testing.T) {
	in := NewInputs(nil)
	release := in.freeze()
	assert.True(t, in.Frozen())

	err := in.Set("a", 1)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInputsFrozen, errors.CodeOf(err))

	release()
	release()
	assert.False(t, in.Frozen())
	assert.NoError(t, in.Set("a", 1))
}

func TestOutputs(t *testing.T) {
	out := NewOutputs("x", "y", "x")
	assert.Equal(t, []string{"x", "y"}, out.Keys())

	v, ok := out.Get("x")
	assert.True(t, ok)
	assert.Nil(t, v)

	require.NoError(t, out.Set("x", 84))
	v, _ = out.Get("x")
	assert.Equal(t, 84, v)

	err := out.Set("z", 1)
	require.Error(t, err)
	assert.Equal(t, errors.CodeUnknownOutput, errors.CodeOf(err))
	_, ok = out.Get("z")
	assert.False(t, ok, "an undeclared key is never added")

	out.Reset()
	assert.Equal(t, map[string]any{"x": nil, "y": nil}, out.Map())
}
