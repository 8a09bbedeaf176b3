package protocol

import (
	"errors"
	"fmt"
)

// HookKind selects how a hook process is spawned.
type HookKind string

const (
	HookSpawn          HookKind = "spawn"
	HookSpawnWithStdin HookKind = "spawn_with_stdin"
)

func (k HookKind) Valid() bool {
	return k == HookSpawn || k == HookSpawnWithStdin
}

// HookSpec is an external command run at a lifecycle transition.
type HookSpec struct {
	Kind    HookKind `json:"type" yaml:"type"`
	Command []string `json:"command" yaml:"command"`
}

func (h *HookSpec) UnmarshalJSON(data []byte) error {
	type plain HookSpec
	var p plain
	if err := decodeStrict(data, &p); err != nil {
		return err
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("hook type must be spawn or spawn_with_stdin, got %q", p.Kind)
	}
	*h = HookSpec(p)
	return nil
}

func (h HookSpec) Validate() error {
	if !h.Kind.Valid() {
		return fmt.Errorf("unknown hook type %q", h.Kind)
	}
	if len(h.Command) == 0 || h.Command[0] == "" {
		return errors.New("hook command must not be empty")
	}
	return nil
}

// Hooks groups the three lifecycle hooks of a session.
type Hooks struct {
	OnStart   *HookSpec `json:"on_transcription_start,omitempty" yaml:"on_transcription_start,omitempty"`
	OnReceive *HookSpec `json:"on_transcription_receive,omitempty" yaml:"on_transcription_receive,omitempty"`
	OnStop    *HookSpec `json:"on_transcription_stop,omitempty" yaml:"on_transcription_stop,omitempty"`
}

func (h *Hooks) UnmarshalJSON(data []byte) error {
	type plain Hooks
	var p plain
	if err := decodeStrict(data, &p); err != nil {
		return err
	}
	*h = Hooks(p)
	return nil
}

func (h Hooks) Validate() error {
	for name, spec := range map[string]*HookSpec{
		"on_transcription_start":   h.OnStart,
		"on_transcription_receive": h.OnReceive,
		"on_transcription_stop":    h.OnStop,
	} {
		if spec == nil {
			continue
		}
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Merge returns h with unset hooks filled from fallback.
func (h Hooks) Merge(fallback Hooks) Hooks {
	if h.OnStart == nil {
		h.OnStart = fallback.OnStart
	}
	if h.OnReceive == nil {
		h.OnReceive = fallback.OnReceive
	}
	if h.OnStop == nil {
		h.OnStop = fallback.OnStop
	}
	return h
}
