package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONMapValueScanRoundTrip(t *testing.T) {
	m := JSONMap{"a": float64(1), "b": map[string]interface{}{"c": "d"}}

	v, err := m.Value()
	require.NoError(t, err)

	var out JSONMap
	require.NoError(t, out.Scan(v))
	assert.Equal(t, m, out)
}

func TestJSONMapNilHandling(t *testing.T) {
	var m JSONMap
	v, err := m.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	var out JSONMap
	require.NoError(t, out.Scan(nil))
	assert.Nil(t, out)

	require.NoError(t, out.Scan([]byte{}))
	assert.Nil(t, out)
}

func TestJSONMapScanRejectsUnknownType(t *testing.T) {
	var out JSONMap
	assert.Error(t, out.Scan(42))
}

func TestStringListRoundTrip(t *testing.T) {
	l := StringList{"x", "y"}
	v, err := l.Value()
	require.NoError(t, err)

	var out StringList
	require.NoError(t, out.Scan(v))
	assert.Equal(t, l, out)
}

func TestStatusTerminality(t *testing.T) {
	assert.True(t, InstanceCompleted.Terminal())
	assert.True(t, InstanceFailed.Terminal())
	assert.True(t, InstanceCancelled.Terminal())
	assert.False(t, InstanceRunning.Terminal())
	assert.False(t, InstancePaused.Terminal())

	assert.True(t, TaskCancelled.Terminal())
	assert.False(t, TaskPaused.Terminal())

	assert.Equal(t, TaskKindHuman, ProcessorHuman.TaskKind())
	assert.Equal(t, TaskKindAgent, ProcessorAgent.TaskKind())
	assert.Equal(t, TaskKindMixed, ProcessorMix.TaskKind())
}
