package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigFromValues(t *testing.T) {
	config := configFromValues(map[string]string{
		ConfigKeyURL:           "  https://discord.com/api/webhooks/1/abc  ",
		ConfigKeyThreadID:      "123",
		ConfigKeyAllowScripts:  "yes",
		ConfigKeyFlipH:         "true",
		ConfigKeyRotate90:      "1",
		ConfigKeyPollInterval:  "30",
		ConfigKeyMaxMediaSize:  "0",
		ConfigKeyRatePerSecond: "0.5",
	})

	assert.Equal(t, "https://discord.com/api/webhooks/1/abc", config.WebhookURL)
	assert.Equal(t, 123, config.ThreadID)
	assert.True(t, config.AllowScripts)
	assert.True(t, config.Snapshot.FlipH)
	assert.False(t, config.Snapshot.FlipV)
	assert.True(t, config.Snapshot.Rotate90)
	assert.Equal(t, 30*time.Second, config.PollInterval)
	assert.Zero(t, config.MaxMediaSize)
	assert.Equal(t, 0.5, config.RatePerSecond)
	assert.Equal(t, DefaultWebPort, config.WebPort)
}

func TestConfigFromValuesFallsBackOnBadValues(t *testing.T) {
	config := configFromValues(map[string]string{
		ConfigKeyPollInterval:  "-5",
		ConfigKeyMaxMediaSize:  "lots",
		ConfigKeyRatePerSecond: "0",
		ConfigKeyThreadID:      "abc",
	})

	assert.Equal(t, time.Duration(DefaultPollInterval)*time.Second, config.PollInterval)
	assert.Equal(t, int64(DefaultMaxMediaSize), config.MaxMediaSize)
	assert.Equal(t, DefaultRatePerSecond, config.RatePerSecond)
	assert.Zero(t, config.ThreadID)
}

func TestReadSettingsFileFormats(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"settings.yaml": `
settings:
  username: Printer Bot
  poll_interval: 15
events:
  - id: printing_progress
    enabled: true
    percent_step: 25
`,
		"settings.json": `{"settings": {"username": "Printer Bot", "poll_interval": 15},
"events": [{"id": "printing_progress", "enabled": true, "percent_step": 25}]}`,
		"settings.toml": `
[settings]
username = "Printer Bot"
poll_interval = 15

[[events]]
id = "printing_progress"
enabled = true
percent_step = 25
`,
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			file, err := ReadSettingsFile(path)
			require.NoError(t, err)
			assert.Equal(t, "Printer Bot", file.Settings["username"])
			assert.Equal(t, "15", settingString(file.Settings["poll_interval"]))
			require.Len(t, file.Events, 1)
			assert.Equal(t, EventPrintingProgress, file.Events[0].ID)
			assert.Equal(t, 25, file.Events[0].PercentStep)
		})
	}
}

func TestReadSettingsFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadSettingsFile("")
	assert.Error(t, err)

	ini := filepath.Join(dir, "settings.ini")
	require.NoError(t, os.WriteFile(ini, []byte("a=b"), 0o644))
	_, err = ReadSettingsFile(ini)
	assert.ErrorContains(t, err, "unsupported")

	broken := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(broken, []byte("{"), 0o644))
	_, err = ReadSettingsFile(broken)
	assert.Error(t, err)
}

func TestImportSettings(t *testing.T) {
	store := openTestStore(t)

	err := ImportSettings(store, &SettingsFile{
		Settings: map[string]any{
			ConfigKeyUsername:     "Printer Bot",
			ConfigKeyAllowScripts: true,
			ConfigKeyPollInterval: 20,
		},
		Events: []EventConfig{
			{ID: EventPrintingProgress, Enabled: true, PercentStep: 20},
			{ID: EventTest, Enabled: false, Message: "ignored"},
		},
		Printers: map[string]PrinterConfig{
			"mk4": {Name: "MK4", IPAddress: "192.168.1.50"},
		},
	})
	require.NoError(t, err)

	config, err := LoadConfig(store)
	require.NoError(t, err)
	assert.Equal(t, "Printer Bot", config.Username)
	assert.True(t, config.AllowScripts)
	assert.Equal(t, 20*time.Second, config.PollInterval)
	assert.Equal(t, ModelUnknown, config.Printers["mk4"].Model)

	progress, err := store.GetEventConfig(EventPrintingProgress)
	require.NoError(t, err)
	assert.Equal(t, 20, progress.PercentStep)
	assert.Equal(t, "📢 Printing is at {progress}%", progress.Message, "missing message keeps the stored one")

	test, err := store.GetEventConfig(EventTest)
	require.NoError(t, err)
	assert.True(t, test.Enabled)
}

func TestImportSettingsRejectsInvalidEntries(t *testing.T) {
	store := openTestStore(t)

	err := ImportSettings(store, &SettingsFile{Events: []EventConfig{{ID: EventStartup, Media: "gif"}}})
	assert.ErrorContains(t, err, "invalid media")

	err = ImportSettings(store, &SettingsFile{Events: []EventConfig{{ID: "unknown"}}})
	assert.Error(t, err)

	err = ImportSettings(store, &SettingsFile{Printers: map[string]PrinterConfig{"bad": {Name: "Bad", IPAddress: "999.1.1.1"}}})
	assert.Error(t, err)
}

func TestExportSettingsRoundTrip(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.SetConfigValue(ConfigKeyUsername, "Printer Bot"))
	cfg, err := store.GetEventConfig(EventPrintingPaused)
	require.NoError(t, err)
	cfg.Enabled = false
	require.NoError(t, store.SaveEventConfig(cfg))

	out, err := ExportSettings(store)
	require.NoError(t, err)

	var file SettingsFile
	require.NoError(t, yaml.Unmarshal(out, &file))
	assert.Equal(t, "Printer Bot", file.Settings[ConfigKeyUsername])
	for _, ev := range file.Events {
		assert.NotEqual(t, EventTest, ev.ID)
		assert.Empty(t, ev.Name)
	}

	other := openTestStore(t)
	require.NoError(t, ImportSettings(other, &file))
	paused, err := other.GetEventConfig(EventPrintingPaused)
	require.NoError(t, err)
	assert.False(t, paused.Enabled)
}
