package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123456789abcdef"

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "walletd.yaml", `
relays:
  - wss://relay.example.com
mints:
  - url: https://mint.example.com
quotes:
  poll_interval: 500ms
admin:
  jwt_secret: `+secret+`
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7090", cfg.ListenAddress)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 500*time.Millisecond, cfg.Quotes.PollInterval.Duration)
	require.Equal(t, 900, cfg.Quotes.MaxPolls)
	require.Equal(t, 2*time.Minute, cfg.Transfer.Timeout.Duration)
	require.Equal(t, 12, cfg.Publisher.MaxAttempts)
	require.Equal(t, 3*time.Minute, cfg.Sweep.Interval.Duration)
	require.Equal(t, "WALLETD_PASSPHRASE", cfg.Identity.PassphraseEnv)
	require.Equal(t, []string{"https://mint.example.com"}, cfg.MintURLs())
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "walletd.toml", `
listen = "127.0.0.1:9000"
relays = ["wss://relay.example.com", "wss://relay2.example.com"]

[database]
driver = "postgres"
dsn = "postgres://wallet@localhost/wallet"

[[mints]]
url = "https://mint.example.com"

[sweep]
interval = "1m"
grace = "90s"

[admin]
jwt_secret = "`+secret+`"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Len(t, cfg.Relays, 2)
	require.Equal(t, time.Minute, cfg.Sweep.Interval.Duration)
	require.Equal(t, 90*time.Second, cfg.Sweep.Grace.Duration)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"no relays":     "admin:\n  jwt_secret: " + secret + "\n",
		"http relay":    "relays: [https://relay.example.com]\nadmin:\n  jwt_secret: " + secret + "\n",
		"bad mint":      "relays: [wss://r.example.com]\nmints:\n  - url: mint.example.com\nadmin:\n  jwt_secret: " + secret + "\n",
		"short secret":  "relays: [wss://r.example.com]\nadmin:\n  jwt_secret: short\n",
		"no secret":     "relays: [wss://r.example.com]\n",
		"bad driver":    "relays: [wss://r.example.com]\ndatabase:\n  driver: mysql\nadmin:\n  jwt_secret: " + secret + "\n",
		"postgres dsn":  "relays: [wss://r.example.com]\ndatabase:\n  driver: postgres\nadmin:\n  jwt_secret: " + secret + "\n",
		"bad duration":  "relays: [wss://r.example.com]\nsweep:\n  interval: soon\nadmin:\n  jwt_secret: " + secret + "\n",
		"backoff order": "relays: [wss://r.example.com]\npublisher:\n  base_backoff: 1h\n  max_backoff: 1m\nadmin:\n  jwt_secret: " + secret + "\n",
	}
	for name, body := range cases {
		t.Run(strings.ReplaceAll(name, " ", "_"), func(t *testing.T) {
			_, err := Load(writeFile(t, "walletd.yaml", body))
			require.Error(t, err)
		})
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 45s ")))
	require.Equal(t, 45*time.Second, d.Duration)
	require.NoError(t, d.UnmarshalText(nil))
	require.Zero(t, d.Duration)
	require.Error(t, d.UnmarshalText([]byte("later")))
}
