package query

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueryVanilla(t *testing.T) {
	require.True(t, Query{Table: "items"}.Vanilla())
	require.False(t, Query{Table: "items", ID: "recent"}.Vanilla())
}

func TestQueryKey(t *testing.T) {
	require.Equal(t, "items|recent", Query{Table: "items", ID: "recent"}.Key())
	require.Equal(t, "items|", Query{Table: "items"}.Key())

	// Distinct queries must never collide on their ledger key.
	require.NotEqual(t,
		Query{Table: "items", ID: "a"}.Key(),
		Query{Table: "items", ID: "b"}.Key(),
	)
}

func TestFilterEqKeysStableOrder(t *testing.T) {
	f := Filter{Eq: map[string]any{"zeta": 1, "alpha": 2, "mid": 3}}
	require.Equal(t, []string{"alpha", "mid", "zeta"}, f.EqKeys())

	require.Empty(t, Filter{}.EqKeys())
}
