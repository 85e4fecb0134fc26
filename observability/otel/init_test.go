package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestInitWithoutExportersIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "walletd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestParseHeaders(t *testing.T) {
	require.Equal(t, map[string]string{"api-key": "abc", "x": ""},
		ParseHeaders(" api-key = abc ,broken, =v, x="))
}
