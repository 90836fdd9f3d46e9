// Package config provides the configuration schema, loader, and provider
// registry for the Lumina turn-taking engine.
package config

import (
	"time"

	"github.com/lumina/lumina/internal/turnengine/aggregator"
	"github.com/lumina/lumina/internal/turnengine/engine"
	"github.com/lumina/lumina/internal/turnengine/orchestrator"
	"github.com/lumina/lumina/internal/turnengine/recognition"
	"github.com/lumina/lumina/internal/turnengine/statemachine"
	"github.com/lumina/lumina/pkg/provider/tts"
)

// LogLevel controls log verbosity for the Lumina server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Lumina.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
	Memory    MemoryConfig    `yaml:"memory"`
}

// MemoryConfig configures the optional transcript log (pkg/memory). Leave
// PostgresDSN empty to disable transcript logging entirely.
type MemoryConfig struct {
	// PostgresDSN is the connection string for the transcript log's
	// PostgreSQL backend (pkg/memory/postgres). Empty disables logging.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ServerConfig holds network and logging settings for the Lumina server.
type ServerConfig struct {
	// ListenAddr is the TCP address the WebSocket transport listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// PlaybackAddr is the TCP address the length-prefixed playback egress
	// listener binds to (spec.md §6). Distinct from ListenAddr because
	// playback is a unidirectional binary stream, not a WebSocket upgrade.
	PlaybackAddr string `yaml:"playback_addr"`

	// MetricsAddr is the TCP address the Prometheus /metrics endpoint binds
	// to. Empty disables the metrics server.
	MetricsAddr string `yaml:"metrics_addr"`

	// PlaybackCodec selects the playback egress framing: "pcm" (default) or
	// "opus". Opus trades CPU for roughly 8x less bandwidth per reply;
	// clients must decode with the matching codec (pkg/transport/playback.Reader).
	PlaybackCodec string `yaml:"playback_codec"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP/WS.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS/WSS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// SessionConfig holds the YAML-friendly tunables for one dialogue session's
// turn-taking components (C1-C8). Fields default to the zero value, which
// [SessionConfig.EngineConfig] treats as "use the component's documented
// default" — mirroring how ProviderEntry.Options passes through untyped
// values without forcing every knob to be set explicitly.
type SessionConfig struct {
	// FrameMs is the nominal duration of one audio frame, in milliseconds.
	FrameMs int `yaml:"frame_ms"`

	VAD          VADTuning          `yaml:"vad"`
	StateMachine StateMachineTuning `yaml:"state_machine"`
	Recognition  RecognitionTuning  `yaml:"recognition"`
	Orchestrator OrchestratorTuning `yaml:"orchestrator"`

	// Voice is the TTS voice profile used for every reply in this session.
	Voice VoiceConfig `yaml:"voice"`

	// SentenceMergeWindowMs bounds how long the sentence aggregator (C5)
	// waits for a trailing fragment before treating a finalized transcript
	// as complete. Zero uses aggregator.DefaultMergeWindow.
	SentenceMergeWindowMs int `yaml:"sentence_merge_window_ms"`
}

// VADTuning configures the voice-activity classifier (C1).
type VADTuning struct {
	SampleRate       int     `yaml:"sample_rate"`
	SpeechThreshold  float64 `yaml:"speech_threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
}

// StateMachineTuning configures the turn state machine (C2).
type StateMachineTuning struct {
	PreRollFrames           int           `yaml:"preroll_frames"`
	MaxSilenceFrames        int           `yaml:"max_silence_frames"`
	TransitionBufferTimeout time.Duration `yaml:"transition_buffer_timeout"`
	MinVoiceFramesToSpeak   int           `yaml:"min_voice_frames_to_speak"`
}

// RecognitionTuning configures the STT session manager (C4).
type RecognitionTuning struct {
	MaxReconnects         int           `yaml:"max_reconnects"`
	InitialBackoff        time.Duration `yaml:"initial_backoff"`
	ReconnectBufferFrames int           `yaml:"reconnect_buffer_frames"`
	FinalDrainTimeout     time.Duration `yaml:"final_drain_timeout"`
}

// OrchestratorTuning configures the reply orchestrator (C6).
type OrchestratorTuning struct {
	MonitorInterval     time.Duration `yaml:"monitor_interval"`
	LLMTimeout          time.Duration `yaml:"llm_timeout"`
	TTSRequestTimeout   time.Duration `yaml:"tts_request_timeout"`
	TTSChunkReadTimeout time.Duration `yaml:"tts_chunk_read_timeout"`
	FallbackMessage     string        `yaml:"fallback_message"`
	SampleRate          int           `yaml:"sample_rate"`
	Channels            int           `yaml:"channels"`
}

// VoiceConfig specifies the TTS voice parameters for session replies.
type VoiceConfig struct {
	VoiceID     string  `yaml:"voice_id"`
	PitchShift  float64 `yaml:"pitch_shift"`
	SpeedFactor float64 `yaml:"speed_factor"`
}

// EngineConfig builds an [engine.Config] from the session tunables, starting
// from [engine.DefaultConfig] and overlaying every non-zero field the YAML
// document set explicitly.
func (s SessionConfig) EngineConfig() engine.Config {
	cfg := engine.DefaultConfig()

	if s.FrameMs > 0 {
		cfg.FrameMs = uint32(s.FrameMs)
	}
	if s.VAD.SampleRate > 0 {
		cfg.VAD.SampleRate = s.VAD.SampleRate
	}
	cfg.VAD.FrameSizeMs = int(cfg.FrameMs)
	if s.VAD.SpeechThreshold > 0 {
		cfg.VAD.SpeechThreshold = s.VAD.SpeechThreshold
	}
	if s.VAD.SilenceThreshold > 0 {
		cfg.VAD.SilenceThreshold = s.VAD.SilenceThreshold
	}

	sm := statemachine.DefaultConfig()
	if s.StateMachine.PreRollFrames > 0 {
		sm.PreRollFrames = s.StateMachine.PreRollFrames
	}
	if s.StateMachine.MaxSilenceFrames > 0 {
		sm.MaxSilenceFrames = s.StateMachine.MaxSilenceFrames
	}
	if s.StateMachine.TransitionBufferTimeout > 0 {
		sm.TransitionBufferTimeout = s.StateMachine.TransitionBufferTimeout
	}
	if s.StateMachine.MinVoiceFramesToSpeak > 0 {
		sm.MinVoiceFramesToSpeak = s.StateMachine.MinVoiceFramesToSpeak
	}
	cfg.StateMachine = sm

	rc := recognition.DefaultConfig()
	if s.Recognition.MaxReconnects > 0 {
		rc.MaxReconnects = s.Recognition.MaxReconnects
	}
	if s.Recognition.InitialBackoff > 0 {
		rc.InitialBackoff = s.Recognition.InitialBackoff
	}
	if s.Recognition.ReconnectBufferFrames > 0 {
		rc.ReconnectBufferFrames = s.Recognition.ReconnectBufferFrames
	}
	if s.Recognition.FinalDrainTimeout > 0 {
		rc.FinalDrainTimeout = s.Recognition.FinalDrainTimeout
	}
	cfg.Recognition = rc

	oc := orchestrator.DefaultConfig()
	if s.Orchestrator.MonitorInterval > 0 {
		oc.MonitorInterval = s.Orchestrator.MonitorInterval
	}
	if s.Orchestrator.LLMTimeout > 0 {
		oc.LLMTimeout = s.Orchestrator.LLMTimeout
	}
	if s.Orchestrator.TTSRequestTimeout > 0 {
		oc.TTSRequestTimeout = s.Orchestrator.TTSRequestTimeout
	}
	if s.Orchestrator.TTSChunkReadTimeout > 0 {
		oc.TTSChunkReadTimeout = s.Orchestrator.TTSChunkReadTimeout
	}
	if s.Orchestrator.FallbackMessage != "" {
		oc.FallbackMessage = s.Orchestrator.FallbackMessage
	}
	if s.Orchestrator.SampleRate > 0 {
		oc.SampleRate = s.Orchestrator.SampleRate
	}
	if s.Orchestrator.Channels > 0 {
		oc.Channels = s.Orchestrator.Channels
	}
	oc.Voice = tts.VoiceProfile{
		ID:          s.Voice.VoiceID,
		Provider:    "",
		PitchShift:  s.Voice.PitchShift,
		SpeedFactor: s.Voice.SpeedFactor,
	}
	cfg.Orchestrator = oc

	if s.SentenceMergeWindowMs > 0 {
		cfg.AggregatorOptions = append(cfg.AggregatorOptions,
			aggregator.WithMergeWindow(time.Duration(s.SentenceMergeWindowMs)*time.Millisecond))
	}

	return cfg
}
