package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadParsesRequiredEnv(t *testing.T) {
	t.Setenv("TWITCH_CHANNELS", "#Chan1, chan2,,chan1")
	t.Setenv("PORT", "8080")
	t.Setenv("BUFFER_MAX_SIZE", "50")
	t.Setenv("BUFFER_TTL", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, []string{"chan1", "chan2"}, cfg.Twitch.Channels)
	require.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	require.Equal(t, 50, cfg.Buffer.MaxSize)
	require.Equal(t, 90*time.Second, cfg.Buffer.TTL)

	require.Equal(t, "wss://irc-ws.chat.twitch.tv:443", cfg.Twitch.IrcURL)
	require.Equal(t, time.Second, cfg.Twitch.ReconnectBase)
	require.Equal(t, 30*time.Second, cfg.Twitch.ReconnectMax)
	require.Equal(t, 10, cfg.Twitch.ReconnectAttempts)
	require.Equal(t, 15*time.Second, cfg.SSE.HeartbeatInterval)
	require.Equal(t, 3000, cfg.SSE.RetryMs)
	require.False(t, cfg.Archive.Enabled())
	require.Equal(t, 100, cfg.Archive.MaxBatch)
	require.Equal(t, 1500*time.Millisecond, cfg.Archive.FlushEvery)
}

func TestLoadValidatesMissingChannels(t *testing.T) {
	t.Setenv("TWITCH_CHANNELS", " , #")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("TWITCH_CHANNELS", "foo")
	t.Setenv("LOG_LEVEL", "loud")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsInvertedBackoff(t *testing.T) {
	t.Setenv("TWITCH_CHANNELS", "foo")
	t.Setenv("TWITCH_RECONNECT_BASE", "10s")
	t.Setenv("TWITCH_RECONNECT_MAX", "1s")

	_, err := Load()
	require.Error(t, err)
}

func TestSplitChannels(t *testing.T) {
	require.Nil(t, SplitChannels("  "))
	require.Equal(t, []string{"foo", "bar"}, SplitChannels("Foo,#bar, foo"))
}

func TestLoadIgnoresUnprefixedShellVars(t *testing.T) {
	t.Setenv("TWITCH_CHANNELS", "foo")
	t.Setenv("HOST", "workstation.local")
	t.Setenv("LEVEL", "loud")
	t.Setenv("FORMAT", "xml")
	t.Setenv("TTL", "1s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Server.Host)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "console", cfg.Log.Format)
	require.Equal(t, 10*time.Minute, cfg.Buffer.TTL)
	require.Equal(t, []string{"foo"}, cfg.Twitch.Channels)
}

func TestLoadPrefersServerPortOverBarePort(t *testing.T) {
	t.Setenv("TWITCH_CHANNELS", "foo")
	t.Setenv("PORT", "8080")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SERVER_HOST", "127.0.0.1")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
}
