/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// AppConfig is the user-editable configuration persisted to a YAML file in the user scope.
// Environment variables are treated as read-only overrides at runtime.
// API keys are never written to the file; they live in the OS keychain.
type AppConfig struct {
	ConfigVersion int             `yaml:"config_version"`
	Logging       LoggingConfig   `yaml:"logging"`
	Narrative     NarrativeConfig `yaml:"narrative"`
	Speech        SpeechConfig    `yaml:"speech"`
	Detect        DetectConfig    `yaml:"detect"`
	Editor        EditorConfig    `yaml:"editor"`
	History       HistoryConfig   `yaml:"history"`
	Cache         CacheConfig     `yaml:"cache"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
	File   string `yaml:"file"`
}

// RetryConfig is the per-model retry policy shared by every external model call.
type RetryConfig struct {
	Attempts     int `yaml:"attempts"`
	BackoffMs    int `yaml:"backoff_ms"`
	MaxBackoffMs int `yaml:"max_backoff_ms"`
	TimeoutMs    int `yaml:"timeout_ms"`
	// CooldownMs parks a model or key after FailThreshold consecutive failures.
	CooldownMs    int `yaml:"cooldown_ms"`
	FailThreshold int `yaml:"fail_threshold"`
	// RequestsPerMinute paces outgoing calls (0 disables pacing).
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

type NarrativeConfig struct {
	BaseURL string `yaml:"base_url"`
	// Models in priority order; the first is the primary.
	Models []string `yaml:"models"`
	// Languages in output order; the first is the reference language used for
	// cross-chapter context.
	Languages      []string    `yaml:"languages"`
	CharacterNotes string      `yaml:"character_notes"`
	Retry          RetryConfig `yaml:"retry"`
}

type SpeechConfig struct {
	BaseURL      string      `yaml:"base_url"`
	Models       []string    `yaml:"models"`
	Voice        string      `yaml:"voice"`
	Rate         float64     `yaml:"rate"`
	Pitch        float64     `yaml:"pitch"`
	VolumeGainDB float64     `yaml:"volume_gain_db"`
	SampleRate   int         `yaml:"sample_rate"`
	Retry        RetryConfig `yaml:"retry"`
}

type DetectConfig struct {
	WhiteThreshold   int     `yaml:"white_threshold"`
	MinGutterRows    int     `yaml:"min_gutter_rows"`
	MinPanelFraction float64 `yaml:"min_panel_fraction"`
	SplitColumns     bool    `yaml:"split_columns"`
	Concurrency      int     `yaml:"concurrency"`
}

type EditorConfig struct {
	MinDraw       float64 `yaml:"min_draw"`
	HandleRadius  float64 `yaml:"handle_radius"`
	SnapThreshold float64 `yaml:"snap_threshold"`
}

type HistoryConfig struct {
	MaxDepth int `yaml:"max_depth"`
}

type CacheConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

// Defaults returns the application defaults.
func Defaults() AppConfig {
	retry := RetryConfig{Attempts: 3, BackoffMs: 1000, MaxBackoffMs: 16000, TimeoutMs: 120000,
		CooldownMs: 60000, FailThreshold: 3, RequestsPerMinute: 0}
	return AppConfig{
		ConfigVersion: 1,
		Logging:       LoggingConfig{Level: "info", Format: "console"},
		Narrative: NarrativeConfig{
			BaseURL:   "https://generativelanguage.googleapis.com/v1beta/openai",
			Models:    []string{"gemini-2.5-flash", "gemini-2.0-flash"},
			Languages: []string{"en"},
			Retry:     retry,
		},
		Speech: SpeechConfig{
			BaseURL:    "https://generativelanguage.googleapis.com/v1beta",
			Models:     []string{"gemini-2.5-flash-preview-tts"},
			Voice:      "Kore",
			Rate:       1.0,
			SampleRate: 24000,
			Retry:      retry,
		},
		Detect:  DetectConfig{WhiteThreshold: 240, MinPanelFraction: 0.04, Concurrency: 4},
		Editor:  EditorConfig{MinDraw: 0.01, HandleRadius: 0.012},
		History: HistoryConfig{MaxDepth: 100},
		Cache:   CacheConfig{MaxBytes: 256 * 1024 * 1024},
	}
}

// Env var names used as overrides.
const (
	EnvNarrativeURL    = "GCN_NARRATIVE_URL"
	EnvNarrativeModels = "GCN_NARRATIVE_MODELS"
	EnvLanguages       = "GCN_LANGUAGES"
	EnvSpeechURL       = "GCN_SPEECH_URL"
	EnvSpeechModels    = "GCN_SPEECH_MODELS"
	EnvVoice           = "GCN_VOICE"
	EnvRetryAttempts   = "GCN_RETRY_ATTEMPTS"
	EnvCacheMaxBytes   = "GCN_CACHE_MAX_BYTES"
	EnvAPIKey          = "GCN_API_KEY"
	EnvConfigDir       = "GCN_CONFIG_DIR"

	EnvLogLevel  = "GCN_LOG_LEVEL"
	EnvLogFormat = "GCN_LOG_FORMAT"
	EnvLogSource = "GCN_LOG_SOURCE"
	EnvLogFile   = "GCN_LOG_FILE"
)

// ConfigPath returns the per-user config file path. GCN_CONFIG_DIR replaces
// the OS config directory.
func ConfigPath() (string, error) {
	base := strings.TrimSpace(os.Getenv(EnvConfigDir))
	if base == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("cannot resolve config directory: %w", err)
		}
		base = filepath.Join(dir, "gocomicnarrator")
	}
	return filepath.Join(base, "config.yaml"), nil
}

// Load reads the user config file (if present), applies defaults, merges
// environment overrides and validates the result.
func Load() (AppConfig, error) {
	cfg := Defaults()
	path, err := ConfigPath()
	if err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var fileCfg AppConfig
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
		mergeInto(&cfg, &fileCfg)
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes the user config YAML.
func Save(cfg AppConfig) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate normalizes language tags and rejects configurations the pipeline
// cannot run with.
func (c *AppConfig) Validate() error {
	if len(c.Narrative.Languages) == 0 {
		return errors.New("narrative.languages must list at least one language")
	}
	seen := map[string]bool{}
	langs := make([]string, 0, len(c.Narrative.Languages))
	for _, l := range c.Narrative.Languages {
		tag, err := NormalizeLanguage(l)
		if err != nil {
			return err
		}
		if !seen[tag] {
			seen[tag] = true
			langs = append(langs, tag)
		}
	}
	c.Narrative.Languages = langs
	if len(c.Narrative.Models) == 0 {
		return errors.New("narrative.models must list at least one model")
	}
	if len(c.Speech.Models) == 0 {
		return errors.New("speech.models must list at least one model")
	}
	return nil
}

// NormalizeLanguage returns the canonical BCP 47 form of code ("EN-us" -> "en-US").
func NormalizeLanguage(code string) (string, error) {
	tag, err := language.Parse(strings.TrimSpace(code))
	if err != nil {
		return "", fmt.Errorf("invalid language %q: %w", code, err)
	}
	return tag.String(), nil
}

// Duration helpers for the millisecond fields.
func (r RetryConfig) Backoff() time.Duration    { return time.Duration(r.BackoffMs) * time.Millisecond }
func (r RetryConfig) MaxBackoff() time.Duration { return time.Duration(r.MaxBackoffMs) * time.Millisecond }
func (r RetryConfig) Timeout() time.Duration    { return time.Duration(r.TimeoutMs) * time.Millisecond }
func (r RetryConfig) Cooldown() time.Duration   { return time.Duration(r.CooldownMs) * time.Millisecond }

func mergeInto(dst *AppConfig, src *AppConfig) {
	if src.ConfigVersion != 0 {
		dst.ConfigVersion = src.ConfigVersion
	}
	// logging
	if s := strings.TrimSpace(src.Logging.Level); s != "" {
		dst.Logging.Level = strings.ToLower(s)
	}
	if s := strings.TrimSpace(src.Logging.Format); s != "" {
		dst.Logging.Format = strings.ToLower(s)
	}
	dst.Logging.Source = src.Logging.Source
	if s := strings.TrimSpace(src.Logging.File); s != "" {
		dst.Logging.File = s
	}
	// narrative
	setStr(&dst.Narrative.BaseURL, src.Narrative.BaseURL)
	setList(&dst.Narrative.Models, src.Narrative.Models)
	setList(&dst.Narrative.Languages, src.Narrative.Languages)
	setStr(&dst.Narrative.CharacterNotes, src.Narrative.CharacterNotes)
	mergeRetry(&dst.Narrative.Retry, src.Narrative.Retry)
	// speech
	setStr(&dst.Speech.BaseURL, src.Speech.BaseURL)
	setList(&dst.Speech.Models, src.Speech.Models)
	setStr(&dst.Speech.Voice, src.Speech.Voice)
	setFloat(&dst.Speech.Rate, src.Speech.Rate)
	setFloat(&dst.Speech.Pitch, src.Speech.Pitch)
	setFloat(&dst.Speech.VolumeGainDB, src.Speech.VolumeGainDB)
	setInt(&dst.Speech.SampleRate, src.Speech.SampleRate)
	mergeRetry(&dst.Speech.Retry, src.Speech.Retry)
	// detect
	setInt(&dst.Detect.WhiteThreshold, src.Detect.WhiteThreshold)
	setInt(&dst.Detect.MinGutterRows, src.Detect.MinGutterRows)
	setFloat(&dst.Detect.MinPanelFraction, src.Detect.MinPanelFraction)
	setInt(&dst.Detect.Concurrency, src.Detect.Concurrency)
	dst.Detect.SplitColumns = src.Detect.SplitColumns
	// editor
	setFloat(&dst.Editor.MinDraw, src.Editor.MinDraw)
	setFloat(&dst.Editor.HandleRadius, src.Editor.HandleRadius)
	setFloat(&dst.Editor.SnapThreshold, src.Editor.SnapThreshold)
	setInt(&dst.History.MaxDepth, src.History.MaxDepth)
	if src.Cache.MaxBytes != 0 {
		dst.Cache.MaxBytes = src.Cache.MaxBytes
	}
}

func mergeRetry(dst *RetryConfig, src RetryConfig) {
	setInt(&dst.Attempts, src.Attempts)
	setInt(&dst.BackoffMs, src.BackoffMs)
	setInt(&dst.MaxBackoffMs, src.MaxBackoffMs)
	setInt(&dst.TimeoutMs, src.TimeoutMs)
	setInt(&dst.CooldownMs, src.CooldownMs)
	setInt(&dst.FailThreshold, src.FailThreshold)
	setInt(&dst.RequestsPerMinute, src.RequestsPerMinute)
}

func setStr(dst *string, v string) {
	if s := strings.TrimSpace(v); s != "" {
		*dst = s
	}
}

func setList(dst *[]string, v []string) {
	var out []string
	for _, s := range v {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvNarrativeURL)); v != "" {
		cfg.Narrative.BaseURL = v
	}
	if v := splitList(os.Getenv(EnvNarrativeModels)); len(v) > 0 {
		cfg.Narrative.Models = v
	}
	if v := splitList(os.Getenv(EnvLanguages)); len(v) > 0 {
		cfg.Narrative.Languages = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSpeechURL)); v != "" {
		cfg.Speech.BaseURL = v
	}
	if v := splitList(os.Getenv(EnvSpeechModels)); len(v) > 0 {
		cfg.Speech.Models = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvVoice)); v != "" {
		cfg.Speech.Voice = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRetryAttempts)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Narrative.Retry.Attempts = n
			cfg.Speech.Retry.Attempts = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvCacheMaxBytes)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Cache.MaxBytes = n
		}
	}
	// logging overrides
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogSource)); v != "" {
		lv := strings.ToLower(v)
		cfg.Logging.Source = lv == "1" || lv == "true" || lv == "on" || lv == "yes"
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.Logging.File = v
	}
}

// EnvOverrideFor returns the env var name if the field is overridden by environment variables.
func EnvOverrideFor(key string) (string, bool) {
	env := map[string]string{
		"narrative.base_url":  EnvNarrativeURL,
		"narrative.models":    EnvNarrativeModels,
		"narrative.languages": EnvLanguages,
		"speech.base_url":     EnvSpeechURL,
		"speech.models":       EnvSpeechModels,
		"speech.voice":        EnvVoice,
		"narrative.retry":     EnvRetryAttempts,
		"speech.retry":        EnvRetryAttempts,
		"cache.max_bytes":     EnvCacheMaxBytes,
		"logging.level":       EnvLogLevel,
		"logging.format":      EnvLogFormat,
		"logging.source":      EnvLogSource,
		"logging.file":        EnvLogFile,
	}[key]
	if env != "" && os.Getenv(env) != "" {
		return env, true
	}
	return "", false
}
