package record

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLiftsEnvelopeKeys(t *testing.T) {
	r := New("", map[string]any{
		"id":        "r1",
		"version":   "v3",
		"deleted":   true,
		"updatedAt": "2024-01-02T03:04:05Z",
		"name":      "alpha",
	})

	require.Equal(t, "r1", r.ID)
	require.Equal(t, "v3", r.Version)
	require.True(t, r.Deleted)
	require.Equal(t, "2024-01-02T03:04:05Z", r.UpdatedAt)
	require.Equal(t, map[string]any{"name": "alpha"}, r.Fields)
}

func TestSetFieldRejectsReservedNames(t *testing.T) {
	r := New("r1", nil)
	for _, name := range []string{KeyID, KeyVersion, KeyDeleted, KeyUpdatedAt} {
		require.Error(t, r.SetField(name, "x"))
	}
	require.NoError(t, r.SetField("score", 10))
	v, ok := r.Field("score")
	require.True(t, ok)
	require.Equal(t, 10, v)
}

func TestJSONRoundTrip(t *testing.T) {
	r := New("r2", map[string]any{"name": "beta", "count": float64(7)})
	r.Version = "v1"

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var got Record
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "r2", got.ID)
	require.Equal(t, "v1", got.Version)
	require.False(t, got.Deleted)
	require.Equal(t, r.Fields, got.Fields)
}

func TestUnmarshalRequiresID(t *testing.T) {
	var r Record
	err := json.Unmarshal([]byte(`{"name":"orphan"}`), &r)
	require.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	r := New("r3", map[string]any{"name": "gamma"})
	c := r.Clone()
	require.NoError(t, c.SetField("name", "changed"))

	v, _ := r.Field("name")
	require.Equal(t, "gamma", v)
}
