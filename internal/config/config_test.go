package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staycal/internal/store"
)

const sampleYAML = `
listen: "0.0.0.0:9000"
sync:
  cron: "*/5 * * * *"
workspaces:
  - key: lake
    name: Lake Houses
    properties:
      - key: cabin
        name: Cabin
        cleaning_pre_days: 1
        cleaning_post_days: 1
      - key: loft
    feeds:
      - key: cabin-airbnb
        property: cabin
        url: https://www.airbnb.com/calendar/ical/1.ics?s=x
        label: Airbnb
        type: Airbnb
    connections:
      - key: inbox
        label: Bookings
        color: "#3366ff"
        properties: [cabin]
        token: conn-token
users:
  - username: cleaner
    password: s3cret
    grants:
      - workspace: lake
        properties: [cabin]
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, "*/15 * * * *", cfg.Sync.Cron)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadFileAndNormalize(t *testing.T) {
	cfg, err := Load(writeFile(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "*/5 * * * *", cfg.Sync.Cron)
	assert.Equal(t, 20, cfg.Ingest.MaxPages)
	assert.Equal(t, "airbnb", cfg.Workspaces[0].Feeds[0].Type)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("STAYCAL_LISTEN", "127.0.0.1:7777")
	t.Setenv("GMAIL_ACCESS_TOKEN", "global-token")

	cfg, err := Load(writeFile(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", cfg.Listen)
	assert.Equal(t, "global-token", cfg.Ingest.GmailToken)

	assert.Equal(t, "conn-token", cfg.ConnectionToken(ConnectionID("lake", "inbox")))
	assert.Equal(t, "global-token", cfg.ConnectionToken(ConnectionID("lake", "other")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"bad cron", func(c *Config) { c.Sync.Cron = "every minute" }, "sync.cron"},
		{"duplicate workspace", func(c *Config) {
			c.Workspaces = append(c.Workspaces, WorkspaceConfig{Key: "lake"})
		}, `duplicate workspace key "lake"`},
		{"duplicate feed", func(c *Config) {
			ws := &c.Workspaces[0]
			ws.Feeds = append(ws.Feeds, ws.Feeds[0])
		}, `duplicate feed key "cabin-airbnb"`},
		{"feed unknown property", func(c *Config) { c.Workspaces[0].Feeds[0].Property = "barn" }, `unknown property "barn"`},
		{"empty label", func(c *Config) { c.Workspaces[0].Connections[0].Label = " " }, "label is empty"},
		{"grant unknown workspace", func(c *Config) { c.Users[0].Grants[0].Workspace = "sea" }, `unknown workspace "sea"`},
		{"duplicate user", func(c *Config) { c.Users = append(c.Users, c.Users[0]) }, `duplicate user "cleaner"`},
		{"feed url", func(c *Config) { c.Workspaces[0].Feeds[0].URL = "not a url" }, `Feeds[0].URL: failed "url" check`},
		{"bad color", func(c *Config) { c.Workspaces[0].Connections[0].Color = "blue" }, `failed "hexcolor" check`},
		{"negative cleaning", func(c *Config) { c.Workspaces[0].Properties[0].CleaningPreDays = -1 }, `CleaningPreDays: failed "min" check`},
		{"no password", func(c *Config) { c.Users[0].Password = "" }, `failed "required_without" check`},
		{"hash instead of password", func(c *Config) {
			c.Users[0].Password = ""
			c.Users[0].PasswordHash = "$2a$10$abcdefghijklmnopqrstuv"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, sampleYAML))
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	t.Cleanup(func() { os.Unsetenv("STAYCAL_LISTEN") })
	os.Unsetenv("STAYCAL_LISTEN")

	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte("STAYCAL_LISTEN=127.0.0.1:6060\n"), 0o600))

	require.NoError(t, LoadDotEnv(env))
	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))

	cfg, err := Load(writeFile(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6060", cfg.Listen)
}

func TestLoadDotEnvKeepsEnvironment(t *testing.T) {
	t.Setenv("STAYCAL_LISTEN", "127.0.0.1:7777")

	env := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(env, []byte("STAYCAL_LISTEN=127.0.0.1:6060\n"), 0o600))
	require.NoError(t, LoadDotEnv(env))

	assert.Equal(t, "127.0.0.1:7777", os.Getenv("STAYCAL_LISTEN"))
}

func TestSaveRoundTripKeepsSecretsOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Ingest.GmailToken = "do-not-write"
	cfg.Redis.Password = "nor-this"
	require.NoError(t, Save(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "do-not-write")
	assert.NotContains(t, string(data), "nor-this")
}

func TestSeedIsDeterministic(t *testing.T) {
	cfg, err := Load(writeFile(t, sampleYAML))
	require.NoError(t, err)

	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, cfg.Seed(ctx, st))
	require.NoError(t, cfg.Seed(ctx, st))

	wsID := WorkspaceID("lake")
	props, err := st.ListProperties(ctx, nil)
	require.NoError(t, err)
	require.Len(t, props, 2)

	cabin, err := st.GetProperty(ctx, PropertyID("lake", "cabin"))
	require.NoError(t, err)
	assert.Equal(t, wsID, cabin.WorkspaceID)
	assert.Equal(t, 1, cabin.Cleaning.PreDays)

	feed, err := st.GetFeed(ctx, FeedID("lake", "cabin-airbnb"))
	require.NoError(t, err)
	assert.True(t, feed.Active)
	assert.Equal(t, "airbnb", feed.SourceType)
	assert.Equal(t, cabin.ID, feed.PropertyID)

	conn, err := st.GetConnection(ctx, ConnectionID("lake", "inbox"))
	require.NoError(t, err)
	assert.Equal(t, "#3366ff", conn.Color)
	assert.True(t, conn.LinksProperty(cabin.ID))
}

func TestAccounts(t *testing.T) {
	cfg, err := Load(writeFile(t, sampleYAML))
	require.NoError(t, err)

	accts := cfg.Accounts()
	require.Len(t, accts, 1)
	a := accts[0]
	assert.Equal(t, "cleaner", a.Username)

	g, ok := a.Caller.Grant(WorkspaceID("lake"))
	require.True(t, ok)
	assert.False(t, g.CanViewGuestName)
	assert.True(t, g.AllowsProperty(PropertyID("lake", "cabin")))
	assert.False(t, g.AllowsProperty(PropertyID("lake", "loft")))
}
