package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "whisper", "whisper-native"},
	"tts": {"elevenlabs"},
	"vad": {"silero"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	// An empty document decodes as io.EOF; treat it as an empty config so
	// Validate reports what is missing.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	// A dialogue session cannot run without recognition, completion, and
	// synthesis; the VAD provider name is required too since C1 gates every
	// other component.
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	if cfg.Providers.VAD.Name == "" {
		errs = append(errs, errors.New("providers.vad.name is required"))
	}

	if cfg.Session.Voice.SpeedFactor != 0 {
		if cfg.Session.Voice.SpeedFactor < 0.5 || cfg.Session.Voice.SpeedFactor > 2.0 {
			errs = append(errs, fmt.Errorf("session.voice.speed_factor %.2f is out of range [0.5, 2.0]", cfg.Session.Voice.SpeedFactor))
		}
	}
	if cfg.Session.Voice.PitchShift < -10 || cfg.Session.Voice.PitchShift > 10 {
		errs = append(errs, fmt.Errorf("session.voice.pitch_shift %.2f is out of range [-10, 10]", cfg.Session.Voice.PitchShift))
	}

	if cfg.Session.VAD.SpeechThreshold != 0 && (cfg.Session.VAD.SpeechThreshold < 0 || cfg.Session.VAD.SpeechThreshold > 1) {
		errs = append(errs, fmt.Errorf("session.vad.speech_threshold %.2f is out of range [0.0, 1.0]", cfg.Session.VAD.SpeechThreshold))
	}
	if cfg.Session.VAD.SilenceThreshold != 0 && (cfg.Session.VAD.SilenceThreshold < 0 || cfg.Session.VAD.SilenceThreshold > 1) {
		errs = append(errs, fmt.Errorf("session.vad.silence_threshold %.2f is out of range [0.0, 1.0]", cfg.Session.VAD.SilenceThreshold))
	}
	if cfg.Session.VAD.SpeechThreshold != 0 && cfg.Session.VAD.SilenceThreshold != 0 &&
		cfg.Session.VAD.SilenceThreshold > cfg.Session.VAD.SpeechThreshold {
		errs = append(errs, errors.New("session.vad.silence_threshold must be <= session.vad.speech_threshold"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
