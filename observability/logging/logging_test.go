package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerRenamesFieldsAndMasksSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Info("proofs received",
		slog.String("issuer", "https://mint.example.com"),
		slog.String("secret", "407915bc212be61a77e3e6d2aeb4c727"),
		slog.Uint64("amount", 21))
	logger.Debug("dropped")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "proofs received", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Contains(t, line, "timestamp")
	require.Equal(t, RedactedValue, line["secret"])
	require.Equal(t, "https://mint.example.com", line["issuer"])
	require.Equal(t, float64(21), line["amount"])
	require.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("\n")))
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestMasking(t *testing.T) {
	require.Equal(t, "", MaskValue("  "))
	require.Equal(t, RedactedValue, MaskField("anything", "value").Value.String())
	require.True(t, IsSensitive(" Token "))
	require.False(t, IsSensitive("issuer"))
	require.Contains(t, SensitiveKeys(), "preimage")
	require.Equal(t, "0123abcd...", Fingerprint("0123abcdef987654"))
	require.Equal(t, RedactedValue, Fingerprint("short"))
}

func TestOutputRotatesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.log")
	out, closeFn := Output(Options{File: path, MaxSizeMB: 1})
	_, err := out.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, closeFn())
	require.FileExists(t, path)
}
