package main

import (
	"errors"
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/lumina/lumina/internal/config"
	"github.com/lumina/lumina/pkg/provider/llm"
	"github.com/lumina/lumina/pkg/provider/llm/anyllm"
	oaillm "github.com/lumina/lumina/pkg/provider/llm/openai"
	"github.com/lumina/lumina/pkg/provider/stt"
	"github.com/lumina/lumina/pkg/provider/stt/deepgram"
	"github.com/lumina/lumina/pkg/provider/stt/whisper"
	"github.com/lumina/lumina/pkg/provider/tts"
	"github.com/lumina/lumina/pkg/provider/tts/elevenlabs"
	"github.com/lumina/lumina/pkg/provider/vad"
	"github.com/lumina/lumina/pkg/provider/vad/mockvad"
)

// builtinProviders maps provider category to the implementation names that
// ship with Lumina. Used only for startup logging.
var builtinProviders = map[string][]string{
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"},
	"stt": {"deepgram", "whisper", "whisper-native"},
	"tts": {"elevenlabs"},
	"vad": {"mock"},
}

// registerBuiltinProviders wires every built-in provider factory into reg.
// Grounded on cmd/glyphoxa/main.go's registerBuiltinProviders — same
// registry-of-factories shape, trimmed to the four provider kinds a
// turn-taking session needs (LLM, STT, TTS, VAD) instead of Glyphoxa's six
// (which also cover S2S and embeddings, both out of scope here).
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, groq all share the
	// any-llm-go adapter, differing only in the provider name passed through.
	for _, providerName := range []string{"anthropic", "gemini", "deepseek", "mistral", "groq"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; BaseURL carries the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// whisper-native loads the model via CGO bindings instead of talking to
	// a whisper-server process; entry.BaseURL carries the model file path
	// (there is no separate "model path" field on ProviderEntry, the same
	// way server-mode whisper reuses BaseURL for its HTTP endpoint).
	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(entry.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────
	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────
	// The voice-activity decision engine itself is an external collaborator
	// (spec.md §1); the only in-tree adapter is the deterministic mock used
	// for tests and for clients that report their own silence_ms out of
	// band (§6), which lets the classifier skip VAD entirely per frame.
	reg.RegisterVAD("mock", func(config.ProviderEntry) (vad.Engine, error) {
		return &mockvad.Engine{Session: &mockvad.Session{}}, nil
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// sessionProviders holds one shared instance of each provider, constructed
// once at startup and reused across every dialogue session. LLM and TTS
// providers are safe for concurrent multi-session use by contract (see their
// package docs); STT and VAD providers open one SessionHandle per dialogue
// internally, so sharing the provider itself is likewise safe.
type sessionProviders struct {
	llm llm.Provider
	stt stt.Provider
	tts tts.Provider
	vad vad.Engine
}

// buildProviders instantiates the four required providers from cfg using
// reg. All four are mandatory — a dialogue session cannot run without
// recognition, completion, synthesis, and voice-activity detection.
func buildProviders(cfg *config.Config, reg *config.Registry) (*sessionProviders, error) {
	sp := &sessionProviders{}

	var err error
	if sp.llm, err = createRequired(reg.CreateLLM, cfg.Providers.LLM, "llm"); err != nil {
		return nil, err
	}
	if sp.stt, err = createRequired(reg.CreateSTT, cfg.Providers.STT, "stt"); err != nil {
		return nil, err
	}
	if sp.tts, err = createRequired(reg.CreateTTS, cfg.Providers.TTS, "tts"); err != nil {
		return nil, err
	}
	if sp.vad, err = createRequired(reg.CreateVAD, cfg.Providers.VAD, "vad"); err != nil {
		return nil, err
	}
	return sp, nil
}

// createRequired instantiates a single provider and turns an unregistered
// name into an actionable error, since every one of the four kinds is
// mandatory for a running session (unlike Glyphoxa's optional per-NPC
// providers, which fall back to "not yet configured" and keep running).
func createRequired[T any](create func(config.ProviderEntry) (T, error), entry config.ProviderEntry, kind string) (T, error) {
	var zero T
	if entry.Name == "" {
		return zero, fmt.Errorf("providers: no %s provider configured", kind)
	}
	p, err := create(entry)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		return zero, fmt.Errorf("providers: %s provider %q is not registered", kind, entry.Name)
	}
	if err != nil {
		return zero, fmt.Errorf("providers: create %s provider %q: %w", kind, entry.Name, err)
	}
	slog.Info("provider created", "kind", kind, "name", entry.Name)
	return p, nil
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
