package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Reply is the single response written for every command exchange.
type Reply struct {
	OK    bool        `json:"ok,omitempty"`
	Error *ReplyError `json:"error,omitempty"`
	// State and SessionID describe the session a command acted on.
	State     SessionState `json:"state,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
}

type ReplyError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func OK() Reply { return Reply{OK: true} }

// Accepted is a success reply naming the session and the state it is in.
func Accepted(state SessionState, sessionID string) Reply {
	return Reply{OK: true, State: state, SessionID: sessionID}
}

// ErrorReply converts err into an error reply, keeping the taxonomy kind
// when err is a *Error.
func ErrorReply(err error) Reply {
	var perr *Error
	if errors.As(err, &perr) {
		msg := perr.Message
		if perr.Err != nil {
			msg = fmt.Sprintf("%s: %v", perr.Message, perr.Err)
		}
		return Reply{Error: &ReplyError{Kind: perr.Kind, Message: msg}}
	}
	return Reply{Error: &ReplyError{Kind: KindProvider, Message: err.Error()}}
}

// Err returns the reply as a Go error, or nil on success.
func (r Reply) Err() error {
	if r.Error == nil {
		return nil
	}
	return &Error{Kind: r.Error.Kind, Message: r.Error.Message}
}

func DecodeReply(data []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	if !r.OK && r.Error == nil {
		return Reply{}, errors.New("decode reply: neither ok nor error set")
	}
	return r, nil
}
