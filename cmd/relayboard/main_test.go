package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentworkforce/relayboard/internal/config"
	"github.com/agentworkforce/relayboard/internal/display"
	"github.com/agentworkforce/relayboard/internal/relayboard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testState = `entries:
  - id: 1
    title: Fix login redirect
    status: open
    published: 2026-01-01T00:00:00Z
  - id: 2
    title: Write onboarding doc
    status: done
    published: 2026-01-02T00:00:00Z
last_feed_update: 1767225600
channels:
  100:
    - id: 1
      message_id: 9001
  200:
    - id: 2
      message_id: 9002
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range [][]string{{"run"}, {"state", "show"}, {"state", "check"}, {"search"}, {"version"}} {
		sub, _, err := cmd.Find(name)
		require.NoError(t, err)
		assert.Equal(t, name[len(name)-1], sub.Name())
	}
	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.Equal(t, "info", cmd.PersistentFlags().Lookup("log-level").DefValue)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn", "json")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = newLogger(&buf, "loud", "text")
	require.Error(t, err)
	_, err = newLogger(&buf, "info", "xml")
	require.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "relayboard version dev\n", out)
}

func TestStateShowFromFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "state.yaml", testState)

	out, err := execute(t, "state", "show", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "entities: 2")
	assert.Contains(t, out, "channel 100: 1 messages")
	assert.Contains(t, out, "2026-01-01T00:00:00Z")

	out, err = execute(t, "state", "show", "--file", path, "--format", "json")
	require.NoError(t, err)
	var summary stateSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 2, summary.Entities)
	assert.Len(t, summary.Channels, 2)
}

func TestStateCheck(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "state", "check", "--file", writeFile(t, dir, "ok.yaml", testState))
	require.NoError(t, err)
	assert.Equal(t, "state ok\n", out)

	badID := strings.Replace(testState, "message_id: 9002", "message_id: not-a-number", 1)
	_, err = execute(t, "state", "check", "--file", writeFile(t, dir, "bad-id.yaml", badID))
	require.ErrorIs(t, err, display.ErrMalformedSnapshot)

	noTitle := "entries:\n  - id: 3\n"
	_, err = execute(t, "state", "check", "--file", writeFile(t, dir, "no-title.yaml", noTitle))
	require.ErrorIs(t, err, relayboard.ErrCorruptState)

	wrongShape := "entries:\n  - title: no id\n"
	_, err = execute(t, "state", "check", "--file", writeFile(t, dir, "shape.yaml", wrongShape))
	require.ErrorIs(t, err, config.ErrSchema)
}

func TestSearchUsesConfiguredState(t *testing.T) {
	dir := t.TempDir()
	statePath := writeFile(t, dir, "state.yaml", testState)
	cfgPath := writeFile(t, dir, "relayboard.yaml", "token: abc\nstate_dsn: file://"+statePath+"\nchannels:\n  - id: 100\n")

	out, err := execute(t, "--config", cfgPath, "search", "LOGIN")
	require.NoError(t, err)
	assert.Contains(t, out, "Fix login redirect")
	assert.NotContains(t, out, "onboarding")

	out, err = execute(t, "--config", cfgPath, "search", "nothing")
	require.NoError(t, err)
	assert.Equal(t, "no match\n", out)
}

func TestBuildChannelsRejectsUnknownStatus(t *testing.T) {
	cfg := config.Config{Channels: []config.Channel{{ID: 1, Statuses: []string{"open"}}, {ID: 2, Statuses: []string{"later"}}}}
	_, err := buildChannels(cfg, nil, nil)
	require.Error(t, err)

	cfg.Channels = cfg.Channels[:1]
	channels, err := buildChannels(cfg, nil, nil)
	require.NoError(t, err)
	require.Len(t, channels, 1)
}
