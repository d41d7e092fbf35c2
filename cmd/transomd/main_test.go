package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := newRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "transomd", cmd.Use)
	assert.Contains(t, cmd.Long, "gateway")
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	commands := []string{"serve", "scan", "version"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := newRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestServeCommandFlags(t *testing.T) {
	cmd := newRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	for _, name := range []string{"host", "port", "grpc-port", "guest-root", "token"} {
		flag := serveCmd.Flags().Lookup(name)
		require.NotNil(t, flag, "flag %s should exist", name)
		assert.Equal(t, "", flag.DefValue)
	}
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "invalid", "scan", "."})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestVersionCommand(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := newRootCommand()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "transomd")
	assert.Contains(t, buf.String(), version)
}

func writeManifest(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestScanListsManifests(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "transom.json"),
		`{"name": "alpha", "src": "./alpha/main.js"}`)
	writeManifest(t, filepath.Join(root, "beta", "transom.yaml"),
		"name: beta\nsrc: ./index.html\nsandbox: scripts\n")

	buf := &bytes.Buffer{}
	cmd := newScanCommand(&rootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{root})

	require.NoError(t, cmd.Execute())
	output := buf.String()
	assert.Contains(t, output, "alpha")
	assert.Contains(t, output, "script")
	assert.Contains(t, output, "beta")
	assert.Contains(t, output, "html")
}

func TestScanJSON(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "transom.toml"),
		"name = \"gamma\"\nsrc = \"./main.js\"\n")

	buf := &bytes.Buffer{}
	cmd := newScanCommand(&rootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{root})

	require.NoError(t, cmd.Execute())

	var entries []scanEntry
	require.NoError(t, sonic.Unmarshal(buf.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "gamma", entries[0].Name)
	assert.Equal(t, "script", entries[0].Kind)
	assert.Equal(t, "/gamma", entries[0].Base)
}

func TestScanEmptyDirectory(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := newScanCommand(&rootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{t.TempDir()})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "no manifests found")
}

func TestScanWithoutRoot(t *testing.T) {
	t.Setenv("TRANSOM_GUEST_ROOT", "")

	cmd := newScanCommand(&rootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no scan root")
}
