package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	ID        string            `json:"id"`
	Count     int               `json:"count"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

func TestMarshalRoundTrip(t *testing.T) {
	in := sample{ID: "op-1", Count: 3, Labels: map[string]string{"a": "b"}, Timestamp: 1700000000000}

	data, err := Marshal(in)
	require.NoError(t, err)

	var out sample
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestMarshalDeterministic(t *testing.T) {
	a, err := Marshal(map[string]any{"z": 1, "a": 2, "m": 3})
	require.NoError(t, err)
	b, err := Marshal(map[string]any{"m": 3, "z": 1, "a": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestUnmarshalAnyUsesStringKeyedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"nested": map[string]any{"k": "v"}})
	require.NoError(t, err)

	var out any
	require.NoError(t, Unmarshal(data, &out))

	m, ok := out.(map[string]any)
	require.True(t, ok, "expected map[string]any, got %T", out)
	nested, ok := m["nested"].(map[string]any)
	require.True(t, ok, "expected nested map[string]any, got %T", m["nested"])
	assert.Equal(t, "v", nested["k"])
}

func TestJSONTagsNameFields(t *testing.T) {
	data, err := Marshal(sample{ID: "x"})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, Unmarshal(data, &out))
	assert.Contains(t, out, "id")
	assert.NotContains(t, out, "labels")
}

func TestUnmarshalGarbage(t *testing.T) {
	var out sample
	assert.Error(t, Unmarshal([]byte{0xff, 0x00, 0x13}, &out))
}
