package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// SnapshotConfig describes the camera used for snapshot media
type SnapshotConfig struct {
	URL      string
	FlipH    bool
	FlipV    bool
	Rotate90 bool
}

// Config holds all runtime configuration, rebuilt from the store on every change
type Config struct {
	WebhookURL    string
	Username      string
	Avatar        string
	ThreadID      int
	AllowScripts  bool
	ScriptBefore  string
	ScriptAfter   string
	Snapshot      SnapshotConfig
	UploadsDir    string
	TimelapseDir  string
	MaxMediaSize  int64
	PollInterval  time.Duration
	WebPort       string
	RatePerSecond float64
	LogLevel      string
	DBFile        string
	Printers      map[string]PrinterConfig // Key is printer ID, value is printer config
}

// LoadConfig loads configuration from the database
func LoadConfig(store *Store) (*Config, error) {
	values, err := store.GetAllConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config from database: %w", err)
	}

	config := configFromValues(values)

	printerConfigs, err := store.GetAllPrinterConfigs()
	if err != nil {
		// Printers are optional; events can still arrive through the API
		log.Warn().Err(err).Msg("Error loading printer configs")
		return config, nil
	}
	config.Printers = printerConfigs

	return config, nil
}

// configFromValues parses the flat key/value settings, falling back to defaults on bad values
func configFromValues(values map[string]string) *Config {
	pollInterval := DefaultPollInterval
	if parsed, err := strconv.Atoi(values[ConfigKeyPollInterval]); err == nil && parsed > 0 {
		pollInterval = parsed
	}

	maxMediaSize := int64(DefaultMaxMediaSize)
	if parsed, err := strconv.ParseInt(values[ConfigKeyMaxMediaSize], 10, 64); err == nil && parsed >= 0 {
		maxMediaSize = parsed
	}

	ratePerSecond := DefaultRatePerSecond
	if parsed, err := strconv.ParseFloat(values[ConfigKeyRatePerSecond], 64); err == nil && parsed > 0 {
		ratePerSecond = parsed
	}

	threadID, _ := strconv.Atoi(values[ConfigKeyThreadID])

	webPort := values[ConfigKeyWebPort]
	if webPort == "" {
		webPort = DefaultWebPort
	}

	return &Config{
		WebhookURL:   strings.TrimSpace(values[ConfigKeyURL]),
		Username:     values[ConfigKeyUsername],
		Avatar:       values[ConfigKeyAvatar],
		ThreadID:     threadID,
		AllowScripts: parseBool(values[ConfigKeyAllowScripts]),
		ScriptBefore: values[ConfigKeyScriptBefore],
		ScriptAfter:  values[ConfigKeyScriptAfter],
		Snapshot: SnapshotConfig{
			URL:      strings.TrimSpace(values[ConfigKeySnapshotURL]),
			FlipH:    parseBool(values[ConfigKeyFlipH]),
			FlipV:    parseBool(values[ConfigKeyFlipV]),
			Rotate90: parseBool(values[ConfigKeyRotate90]),
		},
		UploadsDir:    values[ConfigKeyUploadsDir],
		TimelapseDir:  values[ConfigKeyTimelapseDir],
		MaxMediaSize:  maxMediaSize,
		PollInterval:  time.Duration(pollInterval) * time.Second,
		WebPort:       webPort,
		RatePerSecond: ratePerSecond,
		LogLevel:      values[ConfigKeyLogLevel],
		DBFile:        getDBFilePath(),
		Printers:      make(map[string]PrinterConfig),
	}
}

// parseBool accepts the usual spellings of true; anything else is false
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// getDBFilePath returns the database file path, checking environment variable first
func getDBFilePath() string {
	if dbPath := os.Getenv("OCTORANT_DB_PATH"); dbPath != "" {
		return filepath.Join(dbPath, DefaultDBFileName)
	}
	return DefaultDBFileName
}

// SettingsFile is the on-disk form of the settings used for import and export
type SettingsFile struct {
	Settings map[string]any           `json:"settings,omitempty" yaml:"settings,omitempty" toml:"settings,omitempty"`
	Events   []EventConfig            `json:"events,omitempty" yaml:"events,omitempty" toml:"events,omitempty"`
	Printers map[string]PrinterConfig `json:"printers,omitempty" yaml:"printers,omitempty" toml:"printers,omitempty"`
}

// ReadSettingsFile reads a settings file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func ReadSettingsFile(path string) (*SettingsFile, error) {
	if path == "" {
		return nil, fmt.Errorf("empty settings path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file SettingsFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &file)
	case ".json":
		err = json.Unmarshal(b, &file)
	case ".toml":
		err = toml.Unmarshal(b, &file)
	default:
		return nil, fmt.Errorf("unsupported settings extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &file, nil
}

// ImportSettings writes the contents of a settings file into the store.
// Event entries only override the fields present for known events.
func ImportSettings(store *Store, file *SettingsFile) error {
	keys := make([]string, 0, len(file.Settings))
	for key := range file.Settings {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := store.SetConfigValue(key, settingString(file.Settings[key])); err != nil {
			return err
		}
	}

	for _, ev := range file.Events {
		if ev.ID == EventTest {
			log.Warn().Msg("Ignoring settings for the test event")
			continue
		}
		if err := validateEventConfig(ev); err != nil {
			return fmt.Errorf("event %q: %w", ev.ID, err)
		}
		current, err := store.GetEventConfig(ev.ID)
		if err != nil {
			return err
		}
		current.Enabled = ev.Enabled
		if ev.Message != "" {
			current.Message = ev.Message
		}
		if ev.Media != "" {
			current.Media = ev.Media
		}
		current.PercentStep = ev.PercentStep
		current.TimeStep = ev.TimeStep
		current.HeightStep = ev.HeightStep
		current.Throttle = ev.Throttle
		if ev.Temperature > 0 {
			current.Temperature = ev.Temperature
		}
		if err := store.SaveEventConfig(current); err != nil {
			return err
		}
	}

	for printerID, printer := range file.Printers {
		if err := validatePrinterConfig(printer); err != nil {
			return fmt.Errorf("printer %q: %w", printerID, err)
		}
		if printer.Model == "" {
			printer.Model = ModelUnknown
		}
		if err := store.SavePrinterConfig(printerID, printer); err != nil {
			return err
		}
	}

	log.Info().
		Int("settings", len(file.Settings)).
		Int("events", len(file.Events)).
		Int("printers", len(file.Printers)).
		Msg("📥 Imported settings")
	return nil
}

// ExportSettings renders the stored settings as YAML
func ExportSettings(store *Store) ([]byte, error) {
	values, err := store.GetAllConfig()
	if err != nil {
		return nil, err
	}
	events, err := store.GetAllEventConfigs()
	if err != nil {
		return nil, err
	}
	printers, err := store.GetAllPrinterConfigs()
	if err != nil {
		return nil, err
	}

	file := SettingsFile{
		Settings: make(map[string]any, len(values)),
		Printers: printers,
	}
	for key, value := range values {
		file.Settings[key] = value
	}
	for _, ev := range events {
		if ev.ID == EventTest {
			continue
		}
		// Descriptive fields come from the catalog, not from the file
		ev.Category = ""
		ev.Name = ""
		file.Events = append(file.Events, ev)
	}
	return yaml.Marshal(&file)
}

// settingString converts a decoded scalar back into the stored string form
func settingString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	default:
		return fmt.Sprint(x)
	}
}

// validateEventConfig checks the user-editable fields of an event configuration
func validateEventConfig(cfg EventConfig) error {
	if !IsKnownEvent(cfg.ID) {
		return fmt.Errorf("unknown event")
	}
	if cfg.Media != "" && !IsValidMedia(cfg.Media) {
		return fmt.Errorf("invalid media %q (expected none, snapshot, thumbnail or timelapse)", cfg.Media)
	}
	if cfg.PercentStep < 0 || cfg.PercentStep > 100 {
		return fmt.Errorf("percent_step must be between 0 and 100")
	}
	if cfg.TimeStep < 0 || cfg.Throttle < 0 || cfg.HeightStep < 0 {
		return fmt.Errorf("time_step, height_step and throttle cannot be negative")
	}
	return nil
}
