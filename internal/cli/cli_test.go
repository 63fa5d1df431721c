package cli

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirobox/kirobox/internal/config"
	"github.com/kirobox/kirobox/internal/typ"
)

func TestAppSettingsResolvesConfigDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "conf")
	app := &App{ConfigDir: dir}

	settings, err := app.Settings()
	require.NoError(t, err)
	assert.Equal(t, dir, settings.ConfigDir())

	// Settings resolve once and are reused.
	again, err := app.Settings()
	require.NoError(t, err)
	assert.Same(t, settings, again)
}

func TestResolveServeOptionsDefaults(t *testing.T) {
	settings, err := config.NewSettingsWithDir(t.TempDir())
	require.NoError(t, err)

	cmd := &cobra.Command{Use: "serve"}
	var flags serveFlags
	addServeFlags(cmd, &flags)
	require.NoError(t, cmd.Flags().Parse(nil))

	opts := resolveServeOptions(cmd, flags, settings)
	assert.Equal(t, settings.GetServerPort(), opts.Port)
	assert.Equal(t, "localhost", opts.Host)
	assert.False(t, opts.Debug)
	assert.False(t, opts.Daemon)
}

func TestResolveServeOptionsFlagsWin(t *testing.T) {
	settings, err := config.NewSettingsWithDir(t.TempDir())
	require.NoError(t, err)

	cmd := &cobra.Command{Use: "serve"}
	var flags serveFlags
	addServeFlags(cmd, &flags)
	require.NoError(t, cmd.Flags().Parse([]string{"--port", "9001", "--debug", "--host", "0.0.0.0"}))

	opts := resolveServeOptions(cmd, flags, settings)
	assert.Equal(t, 9001, opts.Port)
	assert.Equal(t, "0.0.0.0", opts.Host)
	assert.True(t, opts.Debug)
}

func TestParseID(t *testing.T) {
	id, err := parseID("12")
	require.NoError(t, err)
	assert.Equal(t, uint(12), id)

	id, err = parseID(" 7 ")
	require.NoError(t, err)
	assert.Equal(t, uint(7), id)

	_, err = parseID("abc")
	assert.Error(t, err)
}

func TestPromptForInputRetriesUntilValue(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("\n  value  \n"))
	got, err := promptForInput(reader, "field: ", true)
	require.NoError(t, err)
	assert.Equal(t, "value", got)
}

func TestPromptForConfirmation(t *testing.T) {
	for input, want := range map[string]bool{
		"\n":    true,
		"y\n":   true,
		"YES\n": true,
		"n\n":   false,
		"no\n":  false,
	} {
		reader := bufio.NewReader(strings.NewReader(input))
		got, err := promptForConfirmation(reader, "ok? ")
		require.NoError(t, err)
		assert.Equal(t, want, got, "input %q", input)
	}
}

func TestPromptForFormatSuggestion(t *testing.T) {
	// Enter accepts the suggestion derived from the name.
	reader := bufio.NewReader(strings.NewReader("\n"))
	format, err := promptForFormat(reader, "claude-backup", "https://api.example.com")
	require.NoError(t, err)
	assert.Equal(t, typ.FormatAnthropic, format)

	// An explicit choice overrides it.
	reader = bufio.NewReader(strings.NewReader("1\n"))
	format, err = promptForFormat(reader, "claude-backup", "https://api.example.com")
	require.NoError(t, err)
	assert.Equal(t, typ.FormatOpenAI, format)

	reader = bufio.NewReader(strings.NewReader("2\n"))
	format, err = promptForFormat(reader, "some-proxy", "https://proxy.example.com")
	require.NoError(t, err)
	assert.Equal(t, typ.FormatAnthropic, format)
}

func TestCredentialListMasksTokens(t *testing.T) {
	app := &App{ConfigDir: t.TempDir()}
	_, err := app.Settings()
	require.NoError(t, err)

	store, err := app.openCredentialStore()
	require.NoError(t, err)
	cred := &typ.Credential{
		UserID:       "alice",
		RefreshToken: "verysecretrefreshtoken",
		AuthType:     typ.AuthTypeSocial,
		Region:       "us-east-1",
		Visibility:   typ.VisibilityPublic,
		Status:       typ.StatusActive,
	}
	require.NoError(t, store.Save(cred))
	require.NoError(t, store.Close())

	var buf bytes.Buffer
	cmd := CredentialCommand(app)
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs([]string{"list"})
	require.NoError(t, cmd.Execute())

	out := buf.String()
	assert.Contains(t, out, "very...oken")
	assert.NotContains(t, out, "verysecretrefreshtoken")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "us-east-1")
}

func TestAccountListAndRemove(t *testing.T) {
	app := &App{ConfigDir: t.TempDir()}
	_, err := app.Settings()
	require.NoError(t, err)

	store, err := app.openAccountStore()
	require.NoError(t, err)
	account := &typ.ExternalAccount{
		UserID:  "alice",
		Name:    "backup",
		APIBase: "https://api.example.com",
		APIKey:  "sk-external-key",
		Format:  typ.FormatOpenAI,
	}
	require.NoError(t, store.Save(account))
	require.NoError(t, store.Close())

	var buf bytes.Buffer
	cmd := AccountCommand(app)
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs([]string{"list"})
	require.NoError(t, cmd.Execute())

	out := buf.String()
	assert.Contains(t, out, "backup")
	assert.Contains(t, out, "(all)")
	assert.NotContains(t, out, "sk-external-key")

	// Disable, then remove by id.
	id := fmt.Sprint(account.ID)
	cmd = AccountCommand(app)
	cmd.SetArgs([]string{"disable", id})
	require.NoError(t, cmd.Execute())

	store, err = app.openAccountStore()
	require.NoError(t, err)
	got, err := store.GetByID(account.ID)
	require.NoError(t, err)
	assert.True(t, got.Disabled)
	require.NoError(t, store.Close())

	cmd = AccountCommand(app)
	cmd.SetArgs([]string{"remove", id})
	require.NoError(t, cmd.Execute())

	store, err = app.openAccountStore()
	require.NoError(t, err)
	_, err = store.GetByID(account.ID)
	assert.Error(t, err)
	require.NoError(t, store.Close())
}
