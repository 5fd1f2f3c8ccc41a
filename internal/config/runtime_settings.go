package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MimeLyc/docjobs/pkg/file"
	"github.com/MimeLyc/docjobs/pkg/icron"
)

const runtimeSettingsFileName = "settings.json"

// RuntimeSettings are the operator-editable settings persisted next to the
// job store. They override the environment on the next start; the log level
// also applies immediately.
type RuntimeSettings struct {
	LogLevel    string `json:"log_level"`
	JanitorCron string `json:"janitor_cron"`
}

// RuntimeSettingsFilePath returns SETTINGS_FILE or <data_dir>/settings.json.
func (c *Config) RuntimeSettingsFilePath() string {
	if p := strings.TrimSpace(os.Getenv("SETTINGS_FILE")); p != "" {
		return p
	}
	return filepath.Join(c.Storage.DataDir, runtimeSettingsFileName)
}

func (s RuntimeSettings) Validate() error {
	switch strings.ToLower(strings.TrimSpace(s.LogLevel)) {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("invalid log_level %q", s.LogLevel)
	}
	if strings.TrimSpace(s.JanitorCron) == "" {
		return fmt.Errorf("janitor_cron is required")
	}
	if err := icron.Validate(s.JanitorCron); err != nil {
		return fmt.Errorf("invalid janitor_cron: %w", err)
	}
	return nil
}

func (c *Config) RuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		LogLevel:    c.Log.Level,
		JanitorCron: c.Janitor.Cron,
	}
}

func WithRuntimeSettings(settings RuntimeSettings) Option {
	return func(c *Config) {
		if strings.TrimSpace(settings.LogLevel) != "" {
			c.Log.Level = settings.LogLevel
		}
		if strings.TrimSpace(settings.JanitorCron) != "" {
			c.Janitor.Cron = settings.JanitorCron
		}
	}
}

func LoadRuntimeSettingsFile(path string) (RuntimeSettings, error) {
	var settings RuntimeSettings
	if err := file.ReadJSON(path, &settings); err != nil {
		return RuntimeSettings{}, fmt.Errorf("invalid settings file: %w", err)
	}
	return settings, nil
}

func WriteRuntimeSettingsFile(path string, settings RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	return file.WriteJSON(path, settings)
}

type RuntimeSettingsStore struct {
	path string

	mu      sync.RWMutex
	current RuntimeSettings
}

func NewRuntimeSettingsStore(path string, initial RuntimeSettings) (*RuntimeSettingsStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("settings file path is required")
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &RuntimeSettingsStore{
		path:    path,
		current: initial,
	}, nil
}

func (s *RuntimeSettingsStore) GetRuntimeSettings() (RuntimeSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

func (s *RuntimeSettingsStore) UpdateRuntimeSettings(next RuntimeSettings) (RuntimeSettings, error) {
	if err := next.Validate(); err != nil {
		return RuntimeSettings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := WriteRuntimeSettingsFile(s.path, next); err != nil {
		return RuntimeSettings{}, err
	}
	s.current = next
	return next, nil
}

