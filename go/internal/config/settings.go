package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	DefaultWorkMinutes  = 25
	DefaultBreakMinutes = 5
)

// Settings is the user-editable settings file.
type Settings struct {
	WorkMinutes  int               `yaml:"work_minutes"`
	BreakMinutes int               `yaml:"break_minutes"`
	Candidates   []CandidateConfig `yaml:"candidates"`
}

// CandidateConfig is a statically configured host address.
type CandidateConfig struct {
	Name string `yaml:"name"`
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

// DefaultSettings returns 25/5 minute phases.
func DefaultSettings() Settings {
	return Settings{
		WorkMinutes:  DefaultWorkMinutes,
		BreakMinutes: DefaultBreakMinutes,
	}
}

// Normalize replaces non-positive durations with the defaults.
func (s Settings) Normalize() Settings {
	if s.WorkMinutes <= 0 {
		s.WorkMinutes = DefaultWorkMinutes
	}
	if s.BreakMinutes <= 0 {
		s.BreakMinutes = DefaultBreakMinutes
	}
	return s
}

// LoadSettings reads a yaml settings file. A missing file yields the defaults
// without an error; an unreadable or malformed file yields the defaults and
// the error.
func LoadSettings(path string) (Settings, error) {
	if path == "" {
		return DefaultSettings(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultSettings(), nil
		}
		return DefaultSettings(), fmt.Errorf("failed to read settings file: %w", err)
	}

	var settings Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return DefaultSettings(), fmt.Errorf("failed to parse settings: %w", err)
	}
	return settings.Normalize(), nil
}

// WatchSettings reloads path on every SIGHUP and hands the result to apply
// until ctx is cancelled.
func WatchSettings(ctx context.Context, path string, apply func(Settings)) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			settings, err := LoadSettings(path)
			if err != nil {
				log.Error().Err(err).Str("path", path).Msg("failed to reload settings, keeping current")
				continue
			}
			log.Info().
				Str("path", path).
				Int("work_minutes", settings.WorkMinutes).
				Int("break_minutes", settings.BreakMinutes).
				Msg("settings reloaded")
			apply(settings)
		}
	}
}
