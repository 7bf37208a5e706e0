package session

import (
	"encoding/json"
	"fmt"
)

type Op string

const (
	OpStart Op = "start"
	OpStop  Op = "stop"
	OpHeart Op = "heart"
)

// Envelope is a command sent by the operator over a script channel.
type Envelope struct {
	Op        Op     `json:"op"`
	ScriptID  string `json:"scriptId"`
	ExecuteID string `json:"executeId"`
	Args      string `json:"args"`

	// raw keeps every field of the original message so acknowledgements can echo it back.
	raw map[string]json.RawMessage
}

func ParseEnvelope(b []byte) (*Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, newClientError(ErrProtocol, fmt.Sprintf("invalid message: %s", err))
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, newClientError(ErrProtocol, fmt.Sprintf("invalid message: %s", err))
	}
	env.raw = raw
	return &env, nil
}

// Ack returns the original message with code and msg fields set.
func (e *Envelope) Ack(code int, msg string) (string, error) {
	out := make(map[string]any, len(e.raw)+2)
	for k, v := range e.raw {
		out[k] = v
	}
	out["code"] = code
	out["msg"] = msg
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshaling ack: %w", err)
	}
	return string(b), nil
}
