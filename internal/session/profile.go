package session

import (
	"github.com/loqalabs/hotline/internal/config"
	"github.com/loqalabs/hotline/internal/protocol"
	"github.com/loqalabs/hotline/internal/provider"
	"github.com/loqalabs/hotline/internal/router"
)

// Defaults are the daemon-wide settings a session falls back to when neither
// the start command nor its profile sets a value.
type Defaults struct {
	Model          string
	Language       string
	Prompt         string
	Vad            *protocol.VadConfig
	Hooks          protocol.Hooks
	ReceiveOnDelta bool
	SampleRate     int
}

// resolved is everything a session needs once its start arguments have been
// merged with the profile and the daemon defaults.
type resolved struct {
	profile string
	params  provider.Params
	hooks   protocol.Hooks
	delta   bool
}

// resolve merges args over the selected profile over defaults. Explicit
// arguments always win.
func resolve(args protocol.StartArgs, defaultProfile string, profiles map[string]config.ProfileConfig, defaults Defaults) (resolved, error) {
	if err := args.Validate(); err != nil {
		return resolved{}, err
	}

	name := defaultProfile
	if args.Profile != nil {
		name = *args.Profile
	}
	var prof config.ProfileConfig
	if name != "" {
		p, ok := profiles[name]
		if !ok {
			return resolved{}, protocol.Errorf(protocol.KindConfiguration, "unknown profile %q", name)
		}
		prof = p
	}

	out := resolved{
		profile: name,
		params: provider.Params{
			Model:      pick(args.Model, prof.Model, defaults.Model),
			Language:   pick(args.Language, prof.Language, defaults.Language),
			Prompt:     pick(args.Prompt, prof.Prompt, defaults.Prompt),
			SampleRate: defaults.SampleRate,
		},
		delta: defaults.ReceiveOnDelta,
	}
	if out.params.Model == "" {
		return resolved{}, protocol.Errorf(protocol.KindConfiguration, "no transcription model configured")
	}

	switch {
	case args.VadConfig != nil:
		out.params.Vad = args.VadConfig
	case prof.VadConfig != nil:
		out.params.Vad = prof.VadConfig.VadConfig()
	default:
		out.params.Vad = defaults.Vad
	}

	var explicit protocol.Hooks
	if args.Hooks != nil {
		explicit = *args.Hooks
	}
	if args.Command != nil {
		explicit.OnReceive = args.Command
	}
	out.hooks = explicit.Merge(prof.Hooks).Merge(defaults.Hooks)
	if err := out.hooks.Validate(); err != nil {
		return resolved{}, protocol.Wrap(protocol.KindConfiguration, "invalid hooks", err)
	}

	if prof.ReceiveOnDelta != nil {
		out.delta = *prof.ReceiveOnDelta
	}
	return out, nil
}

func (r resolved) route(id, providerName string) router.Session {
	return router.Session{
		ID:             id,
		Profile:        r.profile,
		Provider:       providerName,
		Model:          r.params.Model,
		Hooks:          r.hooks,
		ReceiveOnDelta: r.delta,
	}
}

func pick(explicit *string, profile, fallback string) string {
	if explicit != nil && *explicit != "" {
		return *explicit
	}
	if profile != "" {
		return profile
	}
	return fallback
}
