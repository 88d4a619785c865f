package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hal9000y/penpal/internal/config"
)

func envFunc(env map[string]string) func(string) string {
	return func(k string) string { return env[k] }
}

func baseEnv() map[string]string {
	return map[string]string{
		"PENPAL_ID":                  "p1",
		"PENPAL_NAME":                "Robo",
		"PENPAL_EMAIL":               "penpal@example.com",
		"EMAIL_POLLING_INTERVAL":     "30",
		"REPLY_POLLING_INTERVAL":     "60",
		"MAIL_DB_PATH":               "/tmp/penpal.db",
		"OAUTH_SERVICE":              "gmail-p1",
		"OAUTH_GOOGLE_CLIENT_ID":     "id",
		"OAUTH_GOOGLE_CLIENT_SECRET": "secret",
		"OPENAI_API_KEY":             "sk-test",
	}
}

func TestLoad(t *testing.T) {
	cfg, err := config.Load(envFunc(baseEnv()))
	require.NoError(t, err)

	assert.Equal(t, config.Persona{ID: "p1", Name: "Robo", Email: "penpal@example.com"}, cfg.Persona)
	assert.Equal(t, 30*time.Second, cfg.EmailPollingInterval)
	assert.Equal(t, time.Minute, cfg.ReplyPollingInterval)
	assert.Equal(t, config.ProviderGmail, cfg.MailProvider)
	assert.Equal(t, "gpt-3.5-turbo", cfg.Completion.Model)
	assert.Equal(t, 150*time.Second, cfg.Completion.RetryBase)
	assert.Equal(t, "Archive", cfg.IMAP.ArchiveMailbox)

	assert.NoError(t, cfg.ValidateMailer())
	assert.NoError(t, cfg.ValidateResponder())
	assert.NoError(t, cfg.ValidateAuthorize())
	assert.NoError(t, cfg.ValidateInspect())
}

func TestLoadMalformed(t *testing.T) {
	cases := []struct {
		name string
		key  string
		val  string
	}{
		{name: "interval not a number", key: "EMAIL_POLLING_INTERVAL", val: "soon"},
		{name: "negative interval", key: "REPLY_POLLING_INTERVAL", val: "-1"},
		{name: "unknown provider", key: "MAIL_PROVIDER", val: "pigeon"},
		{name: "bad retry base", key: "COMPLETION_RETRY_BASE", val: "later"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := baseEnv()
			env[tc.key] = tc.val
			_, err := config.Load(envFunc(env))
			require.Error(t, err)
		})
	}
}

func TestValidateMissing(t *testing.T) {
	env := baseEnv()
	delete(env, "PENPAL_EMAIL")
	delete(env, "OPENAI_API_KEY")
	delete(env, "EMAIL_POLLING_INTERVAL")

	cfg, err := config.Load(envFunc(env))
	require.NoError(t, err)

	err = cfg.ValidateMailer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PENPAL_EMAIL")
	assert.Contains(t, err.Error(), "EMAIL_POLLING_INTERVAL")

	err = cfg.ValidateResponder()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestValidateMailerIMAP(t *testing.T) {
	env := baseEnv()
	env["MAIL_PROVIDER"] = "IMAP"
	delete(env, "OAUTH_SERVICE")

	cfg, err := config.Load(envFunc(env))
	require.NoError(t, err)
	assert.Equal(t, config.ProviderIMAP, cfg.MailProvider)

	err = cfg.ValidateMailer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IMAP_ADDR")
	assert.NotContains(t, err.Error(), "OAUTH_SERVICE")

	env["IMAP_ADDR"] = "imap.example.com:993"
	env["SMTP_ADDR"] = "smtp.example.com:465"
	env["MAIL_USERNAME"] = "penpal@example.com"
	env["MAIL_PASSWORD"] = "app password"
	cfg, err = config.Load(envFunc(env))
	require.NoError(t, err)
	assert.NoError(t, cfg.ValidateMailer())
	assert.Equal(t, "app password", cfg.IMAP.Password)
}

func TestLoadPersonaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	content := `name: Bitsy
model: gpt-4o-mini
locations:
  - inside a toaster
  - on a floppy disk
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	pf, err := config.LoadPersonaFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Bitsy", pf.Name)
	assert.Equal(t, "gpt-4o-mini", pf.Model)
	assert.Equal(t, []string{"inside a toaster", "on a floppy disk"}, pf.Locations)

	require.NoError(t, os.WriteFile(path, []byte("locations:\n  - \"\"\n"), 0o600))
	_, err = config.LoadPersonaFile(path)
	require.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PENPAL_TEST_ENV_FILE=loaded\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("PENPAL_TEST_ENV_FILE") })

	require.NoError(t, config.LoadEnvFile(path))
	assert.Equal(t, "loaded", os.Getenv("PENPAL_TEST_ENV_FILE"))

	require.NoError(t, config.LoadEnvFile(""))
	require.Error(t, config.LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}
