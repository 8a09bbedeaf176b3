package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CommandType names a variant of the externally tagged Command union.
type CommandType string

const (
	CommandStart  CommandType = "StartTranscription"
	CommandStop   CommandType = "StopTranscription"
	CommandToggle CommandType = "ToggleTranscription"
)

// Command is a control message accepted by the daemon. Args is only
// meaningful for Start and Toggle.
type Command struct {
	Type CommandType
	Args StartArgs
}

func StartCommand(args StartArgs) Command  { return Command{Type: CommandStart, Args: args} }
func ToggleCommand(args StartArgs) Command { return Command{Type: CommandToggle, Args: args} }
func StopCommand() Command                 { return Command{Type: CommandStop} }

// StartArgs parameterize a new transcription session. Unset fields fall back
// to the selected profile and then to daemon defaults.
type StartArgs struct {
	Model     *string    `json:"model,omitempty"`
	Language  *string    `json:"language,omitempty"`
	Prompt    *string    `json:"prompt,omitempty"`
	VadConfig *VadConfig `json:"vad_config,omitempty"`
	Command   *HookSpec  `json:"command,omitempty"`
	Hooks     *Hooks     `json:"hooks,omitempty"`
	Profile   *string    `json:"profile,omitempty"`
}

func (c Command) MarshalJSON() ([]byte, error) {
	switch c.Type {
	case CommandStop:
		return []byte(`{"StopTranscription":null}`), nil
	case CommandStart, CommandToggle:
		return json.Marshal(map[string]StartArgs{string(c.Type): c.Args})
	default:
		return nil, fmt.Errorf("unknown command type %q", c.Type)
	}
}

func (c *Command) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var name string
		if err := json.Unmarshal(trimmed, &name); err != nil {
			return err
		}
		if CommandType(name) != CommandStop {
			return fmt.Errorf("variant %q requires arguments", name)
		}
		*c = StopCommand()
		return nil
	}

	variant, body, err := singleVariant(trimmed)
	if err != nil {
		return fmt.Errorf("command: %w", err)
	}
	switch CommandType(variant) {
	case CommandStop:
		if !isNull(body) && !bytes.Equal(bytes.TrimSpace(body), []byte("{}")) {
			return fmt.Errorf("StopTranscription takes no arguments")
		}
		*c = StopCommand()
	case CommandStart, CommandToggle:
		var args StartArgs
		if !isNull(body) {
			if err := decodeStrict(body, &args); err != nil {
				return fmt.Errorf("%s: %w", variant, err)
			}
		}
		*c = Command{Type: CommandType(variant), Args: args}
	default:
		return fmt.Errorf("unknown command variant %q", variant)
	}
	return nil
}

// DecodeCommand parses one command message. Any failure is a ProtocolError.
func DecodeCommand(data []byte) (Command, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Command{}, Errorf(KindProtocol, "empty command")
	}
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, Wrap(KindProtocol, "invalid command format", err)
	}
	return cmd, nil
}

// Validate checks argument values that are well-formed JSON but unusable.
func (a StartArgs) Validate() error {
	if a.VadConfig != nil {
		if err := a.VadConfig.Validate(); err != nil {
			return Wrap(KindConfiguration, "invalid vad_config", err)
		}
	}
	if a.Command != nil {
		if err := a.Command.Validate(); err != nil {
			return Wrap(KindConfiguration, "invalid command hook", err)
		}
	}
	if a.Hooks != nil {
		if err := a.Hooks.Validate(); err != nil {
			return Wrap(KindConfiguration, "invalid hooks", err)
		}
	}
	if a.Profile != nil && *a.Profile == "" {
		return Errorf(KindConfiguration, "profile must not be empty")
	}
	return nil
}

func singleVariant(data []byte) (string, json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", nil, err
	}
	if len(raw) != 1 {
		keys := make([]string, 0, len(raw))
		for k := range raw {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "", nil, fmt.Errorf("expected exactly one variant, got %d %v", len(raw), keys)
	}
	for k, v := range raw {
		return k, v, nil
	}
	return "", nil, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

func isNull(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func StringPtr(s string) *string { return &s }
