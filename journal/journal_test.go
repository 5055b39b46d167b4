package journal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	var state = State{}
	require.NoError(t, state.Set("candidates", []string{"v-a", "v-b"}))
	require.NoError(t, state.Set("attempt", 3))

	var candidates []string
	ok, err := state.Get("candidates", &candidates)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"v-a", "v-b"}, candidates)

	var attempt int
	ok, err = state.Get("attempt", &attempt)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, attempt)

	var missing string
	ok, err = state.Get("nope", &missing)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStepOrdinals(t *testing.T) {
	var s = NewStore(nil, nil, map[string][]string{
		"order_dispatch": {"VALIDATE", "ADMIT", "PERSIST_DRAFT", "SELECT_VENDOR", "TRANSITION_TO_ASSIGNED", "NOTIFY"},
	})

	i, err := s.ordinal("order_dispatch", "VALIDATE")
	require.NoError(t, err)
	require.Equal(t, 0, i)

	i, err = s.ordinal("order_dispatch", "NOTIFY")
	require.NoError(t, err)
	require.Equal(t, 5, i)

	_, err = s.ordinal("order_dispatch", "FROBNICATE")
	require.Error(t, err)

	_, err = s.ordinal("unknown_type", "VALIDATE")
	require.Error(t, err)
}
