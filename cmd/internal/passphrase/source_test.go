package passphrase

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeSource(env map[string]string, typed string, err error) (*Source, *int) {
	prompts := 0
	s := NewSource("WALLETD_PASSPHRASE", "")
	s.lookup = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	s.prompt = func(string) (string, error) {
		prompts++
		return typed, err
	}
	return s, &prompts
}

func TestGetPrefersEnvironment(t *testing.T) {
	s, prompts := fakeSource(map[string]string{"WALLETD_PASSPHRASE": " secret "}, "typed", nil)
	got, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, " secret ", got)
	require.Zero(t, *prompts)
}

func TestGetRejectsBlankEnvironment(t *testing.T) {
	s, _ := fakeSource(map[string]string{"WALLETD_PASSPHRASE": "  "}, "typed", nil)
	_, err := s.Get()
	require.ErrorContains(t, err, "set but empty")
}

func TestGetPromptsOnceAndCaches(t *testing.T) {
	s, prompts := fakeSource(nil, "typed", nil)
	for i := 0; i < 3; i++ {
		got, err := s.Get()
		require.NoError(t, err)
		require.Equal(t, "typed", got)
	}
	require.Equal(t, 1, *prompts)
}

func TestGetWithoutTerminal(t *testing.T) {
	s, _ := fakeSource(nil, "", errNoTerminal)
	_, err := s.Get()
	require.ErrorIs(t, err, errNoTerminal)
	require.ErrorContains(t, err, "WALLETD_PASSPHRASE")

	blank, _ := fakeSource(nil, " ", nil)
	_, err = blank.Get()
	require.ErrorContains(t, err, "cannot be empty")
}
