package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// VadConfig selects exactly one turn detection variant.
type VadConfig struct {
	Server   *ServerVad
	Semantic *SemanticVad
}

type ServerVad struct {
	Threshold         *float32 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	PrefixPaddingMS   *uint32  `json:"prefix_padding_ms,omitempty" yaml:"prefix_padding_ms,omitempty"`
	SilenceDurationMS *uint32  `json:"silence_duration_ms,omitempty" yaml:"silence_duration_ms,omitempty"`
}

type SemanticVad struct {
	Eagerness *Eagerness `json:"eagerness,omitempty" yaml:"eagerness,omitempty"`
}

type Eagerness string

const (
	EagernessLow    Eagerness = "low"
	EagernessMedium Eagerness = "medium"
	EagernessHigh   Eagerness = "high"
	EagernessAuto   Eagerness = "auto"
)

func (e Eagerness) Valid() bool {
	switch e {
	case EagernessLow, EagernessMedium, EagernessHigh, EagernessAuto:
		return true
	}
	return false
}

func (e *Eagerness) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if !Eagerness(s).Valid() {
		return fmt.Errorf("eagerness must be one of low|medium|high|auto, got %q", s)
	}
	*e = Eagerness(s)
	return nil
}

const (
	vadServer   = "ServerVad"
	vadSemantic = "SemanticVad"
)

func (v VadConfig) MarshalJSON() ([]byte, error) {
	switch {
	case v.Server != nil && v.Semantic == nil:
		return json.Marshal(map[string]*ServerVad{vadServer: v.Server})
	case v.Semantic != nil && v.Server == nil:
		return json.Marshal(map[string]*SemanticVad{vadSemantic: v.Semantic})
	default:
		return nil, errors.New("vad_config must have exactly one variant")
	}
}

func (v *VadConfig) UnmarshalJSON(data []byte) error {
	variant, body, err := singleVariant(data)
	if err != nil {
		return fmt.Errorf("vad_config: %w", err)
	}
	switch variant {
	case vadServer:
		server := &ServerVad{}
		if !isNull(body) {
			if err := decodeStrict(body, server); err != nil {
				return fmt.Errorf("ServerVad: %w", err)
			}
		}
		*v = VadConfig{Server: server}
	case vadSemantic:
		semantic := &SemanticVad{}
		if !isNull(body) {
			if err := decodeStrict(body, semantic); err != nil {
				return fmt.Errorf("SemanticVad: %w", err)
			}
		}
		*v = VadConfig{Semantic: semantic}
	default:
		return fmt.Errorf("unknown vad_config variant %q", variant)
	}
	return nil
}

// Validate reports value errors not caught by decoding.
func (v VadConfig) Validate() error {
	if (v.Server == nil) == (v.Semantic == nil) {
		return errors.New("exactly one of ServerVad or SemanticVad must be set")
	}
	if v.Server != nil && v.Server.Threshold != nil {
		if t := *v.Server.Threshold; t < 0 || t > 1 {
			return fmt.Errorf("threshold must be within [0, 1], got %v", t)
		}
	}
	if v.Semantic != nil && v.Semantic.Eagerness != nil && !v.Semantic.Eagerness.Valid() {
		return fmt.Errorf("invalid eagerness %q", *v.Semantic.Eagerness)
	}
	return nil
}
