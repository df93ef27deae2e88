// Package config provides configuration management for matchbox using Viper.
// The configuration file is JSON on disk; values can be overridden by
// MATCHBOX_* environment variables and CLI flags.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	DefaultScoringPort    = 80
	DefaultSwitcherPort   = 4455
	DefaultWebPort        = 8000
	DefaultOutputDir      = "./match_clips"
	DefaultMDNSName       = "ftcvideo.local"
	DefaultPreMatchSecs   = 10
	DefaultPostMatchSecs  = 10
	DefaultMatchDuration  = 158
	DefaultRsyncInterval  = 60
)

// FieldSceneMapping maps a 1-based field number to a switcher scene name.
// JSON object keys are strings on the wire but interpreted as integers.
type FieldSceneMapping map[int]string

// MarshalJSON serializes the mapping with string keys.
func (m FieldSceneMapping) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(m))
	for field, scene := range m {
		out[strconv.Itoa(field)] = scene
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses string keys back into field numbers.
func (m *FieldSceneMapping) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed := make(FieldSceneMapping, len(raw))
	for key, scene := range raw {
		field, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("field_scene_mapping key %q is not an integer: %w", key, err)
		}
		parsed[field] = scene
	}
	*m = parsed
	return nil
}

// Fields returns the mapped field numbers in ascending order.
func (m FieldSceneMapping) Fields() []int {
	fields := make([]int, 0, len(m))
	for f := range m {
		fields = append(fields, f)
	}
	sort.Ints(fields)
	return fields
}

// Config holds the complete matchbox configuration.
type Config struct {
	EventCode string `json:"event_code" mapstructure:"event_code"`

	ScoringHost string `json:"scoring_host" mapstructure:"scoring_host"`
	ScoringPort int    `json:"scoring_port" mapstructure:"scoring_port"`

	SwitcherHost     string `json:"switcher_host" mapstructure:"switcher_host"`
	SwitcherPort     int    `json:"switcher_port" mapstructure:"switcher_port"`
	SwitcherPassword string `json:"switcher_password" mapstructure:"switcher_password"`

	FieldSceneMapping FieldSceneMapping `json:"field_scene_mapping" mapstructure:"field_scene_mapping"`

	OutputDir string `json:"output_dir" mapstructure:"output_dir"`
	WebPort   int    `json:"web_port" mapstructure:"web_port"`
	MDNSName  string `json:"mdns_name" mapstructure:"mdns_name"`

	PreMatchBufferSeconds  int `json:"pre_match_buffer_seconds" mapstructure:"pre_match_buffer_seconds"`
	PostMatchBufferSeconds int `json:"post_match_buffer_seconds" mapstructure:"post_match_buffer_seconds"`
	MatchDurationSeconds   int `json:"match_duration_seconds" mapstructure:"match_duration_seconds"`

	RsyncEnabled         bool   `json:"rsync_enabled" mapstructure:"rsync_enabled"`
	RsyncHost            string `json:"rsync_host" mapstructure:"rsync_host"`
	RsyncModule          string `json:"rsync_module" mapstructure:"rsync_module"`
	RsyncUsername        string `json:"rsync_username" mapstructure:"rsync_username"`
	RsyncPassword        string `json:"rsync_password" mapstructure:"rsync_password"`
	RsyncIntervalSeconds int    `json:"rsync_interval_seconds" mapstructure:"rsync_interval_seconds"`

	TunnelRelayURL   string `json:"tunnel_relay_url" mapstructure:"tunnel_relay_url"`
	TunnelPassword   string `json:"tunnel_password" mapstructure:"tunnel_password"`
	TunnelAllowAdmin bool   `json:"tunnel_allow_admin" mapstructure:"tunnel_allow_admin"`
}

// Default returns a Config populated with defaults.
func Default() Config {
	return Config{
		ScoringHost:            "localhost",
		ScoringPort:            DefaultScoringPort,
		SwitcherHost:           "localhost",
		SwitcherPort:           DefaultSwitcherPort,
		FieldSceneMapping:      FieldSceneMapping{1: "Field 1", 2: "Field 2"},
		OutputDir:              DefaultOutputDir,
		WebPort:                DefaultWebPort,
		MDNSName:               DefaultMDNSName,
		PreMatchBufferSeconds:  DefaultPreMatchSecs,
		PostMatchBufferSeconds: DefaultPostMatchSecs,
		MatchDurationSeconds:   DefaultMatchDuration,
		RsyncIntervalSeconds:   DefaultRsyncInterval,
	}
}

// SetDefaults registers default values on the given viper instance.
func SetDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("scoring_host", def.ScoringHost)
	v.SetDefault("scoring_port", def.ScoringPort)
	v.SetDefault("switcher_host", def.SwitcherHost)
	v.SetDefault("switcher_port", def.SwitcherPort)
	v.SetDefault("output_dir", def.OutputDir)
	v.SetDefault("web_port", def.WebPort)
	v.SetDefault("mdns_name", def.MDNSName)
	v.SetDefault("pre_match_buffer_seconds", def.PreMatchBufferSeconds)
	v.SetDefault("post_match_buffer_seconds", def.PostMatchBufferSeconds)
	v.SetDefault("match_duration_seconds", def.MatchDurationSeconds)
	v.SetDefault("rsync_interval_seconds", def.RsyncIntervalSeconds)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// FromViper builds a Config from the given viper instance.
// field_scene_mapping is decoded separately because its keys are strings
// on the wire but integers in memory.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if raw := v.GetStringMapString("field_scene_mapping"); len(raw) > 0 {
		mapping := make(FieldSceneMapping, len(raw))
		for key, scene := range raw {
			field, err := strconv.Atoi(key)
			if err != nil {
				return Config{}, fmt.Errorf("field_scene_mapping key %q is not an integer: %w", key, err)
			}
			mapping[field] = scene
		}
		cfg.FieldSceneMapping = mapping
	}
	return cfg, nil
}

// NumFields returns the number of fields in the scene mapping.
func (c Config) NumFields() int {
	return len(c.FieldSceneMapping)
}

// ClipsDir returns the per-event clips directory: output_dir/event_code.
func (c Config) ClipsDir() (string, error) {
	abs, err := filepath.Abs(c.OutputDir)
	if err != nil {
		return "", fmt.Errorf("resolving output dir: %w", err)
	}
	return filepath.Join(abs, c.EventCode), nil
}

// WebSocketPort returns the port the status/log bus listens on.
func (c Config) WebSocketPort() int {
	return c.WebPort + 1
}

// ErrEventCodeRequired is returned when an operation requires an event code.
var ErrEventCodeRequired = errors.New("event code is required")

// ValidateForStart checks the fields the orchestrator needs before it can run.
func (c Config) ValidateForStart() error {
	if c.EventCode == "" {
		return ErrEventCodeRequired
	}
	if c.WebPort <= 0 || c.WebPort > 65534 {
		return fmt.Errorf("invalid web_port %d", c.WebPort)
	}
	if len(c.FieldSceneMapping) == 0 {
		return errors.New("field_scene_mapping must have at least one field")
	}
	return nil
}

// SaveTo writes the configuration as indented JSON to the given path.
func (c Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// LoadFile reads a JSON configuration file from disk.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}
