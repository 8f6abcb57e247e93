package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
listen: :1234
shared_secret: topsecret
homeserver:
    domain: example.com
synapse:
    type: postgres
    uri: postgres://synapse@localhost/synapse
bridges:
-   slug: telegram
    database:
        uri: postgres://tg@localhost/mautrix_telegram
stream:
    poll_interval: 2s
    burst_interval: 150ms
filter_presets:
    work:
    -   source: telegram
        show_channels: false
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":1234" || cfg.SharedSecret != "topsecret" {
		t.Errorf("listen = %q, secret = %q", cfg.Listen, cfg.SharedSecret)
	}
	if cfg.Bridges[0].Database.Type != "postgres" {
		t.Errorf("bridge db type = %q, want postgres default", cfg.Bridges[0].Database.Type)
	}
	if cfg.Stream.PollIntervalDuration() != 2*time.Second {
		t.Errorf("poll_interval = %v, want 2s", cfg.Stream.PollIntervalDuration())
	}
	if cfg.Stream.BurstIntervalDuration() != 150*time.Millisecond {
		t.Errorf("burst_interval = %v, want 150ms", cfg.Stream.BurstIntervalDuration())
	}
	if cfg.RateLimit.RequestsPerSecond != 20 || cfg.RateLimit.Burst != 40 {
		t.Errorf("rate limit defaults = %+v", cfg.RateLimit)
	}
}

func TestLoadPresetDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rules := cfg.FilterPresets["work"]
	if len(rules) != 1 {
		t.Fatalf("got %d rules, want 1", len(rules))
	}
	rule := rules[0]
	if rule.ShowChannels {
		t.Error("show_channels = true, config set it false")
	}
	// Omitted flags default to visible.
	if !rule.ShowPrivate || !rule.ShowGroups || !rule.ShowBots {
		t.Errorf("omitted show flags not defaulted to true: %+v", rule)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CHATAPI_SHARED_SECRET", "from-env")
	t.Setenv("CHATAPI_SYNAPSE_URI", "postgres://env@localhost/synapse")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SharedSecret != "from-env" {
		t.Errorf("shared_secret = %q, want env override", cfg.SharedSecret)
	}
	if cfg.Synapse.URI != "postgres://env@localhost/synapse" {
		t.Errorf("synapse uri = %q, want env override", cfg.Synapse.URI)
	}
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	noSecret := `
homeserver:
    domain: example.com
synapse:
    uri: postgres://synapse@localhost/synapse
`
	if _, err := Load(writeConfig(t, noSecret)); err == nil {
		t.Error("Load accepted a config without shared_secret")
	}
}

func TestLoadRejectsDuplicateSlug(t *testing.T) {
	dup := `
shared_secret: s
homeserver:
    domain: example.com
synapse:
    uri: postgres://synapse@localhost/synapse
bridges:
-   slug: telegram
    database:
        uri: postgres://tg@localhost/mautrix_telegram
-   slug: telegram
    database:
        uri: postgres://other@localhost/other
`
	if _, err := Load(writeConfig(t, dup)); err == nil {
		t.Error("Load accepted duplicate bridge slugs")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	bad := `
shared_secret: s
homeserver:
    domain: example.com
synapse:
    uri: postgres://synapse@localhost/synapse
stream:
    poll_interval: quickly
`
	_, err := Load(writeConfig(t, bad))
	if err == nil || !strings.Contains(err.Error(), "poll_interval") {
		t.Errorf("err = %v, want poll_interval parse failure", err)
	}
}
