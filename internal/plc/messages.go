package plc

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// BitCommand is published by the core to write one controller bit.
// Topic: {root}/plc/command/{tag}
type BitCommand struct {
	// ID identifies the write; retries of the same write reuse it so the
	// gateway can drop duplicates.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`
	Tag       string    `json:"tag"`
	Value     bool      `json:"value"`

	// Source names the component that issued the write,
	// e.g. "step", "result" or "handshake".
	Source string `json:"source,omitempty"`
}

// BitState is the gateway's report of a bit's value.
// Topic: {root}/plc/state/{tag}
type BitState struct {
	Value     bool      `json:"value"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ParseBitState decodes a state payload. The gateway publishes JSON
// ({"value": true}); bare "0"/"1"/"true"/"false"/"on"/"off" payloads are
// accepted as well.
func ParseBitState(payload []byte) (bool, error) {
	raw := strings.TrimSpace(string(payload))
	switch strings.ToLower(raw) {
	case "1", "true", "on":
		return true, nil
	case "0", "false", "off":
		return false, nil
	}

	var msg struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	if len(msg.Value) == 0 {
		return false, fmt.Errorf("%w: missing value", ErrInvalidState)
	}

	switch strings.Trim(string(msg.Value), `"`) {
	case "1", "true", "on":
		return true, nil
	case "0", "false", "off":
		return false, nil
	}
	return false, fmt.Errorf("%w: value %s", ErrInvalidState, msg.Value)
}

// tagFromTopic extracts the tag from a state topic with the given prefix.
func tagFromTopic(prefix, topic string) (string, bool) {
	tag, ok := strings.CutPrefix(topic, prefix)
	if !ok || tag == "" || strings.Contains(tag, "/") {
		return "", false
	}
	return tag, true
}
