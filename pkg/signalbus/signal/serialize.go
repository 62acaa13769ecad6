package signal

import (
	"encoding/json"
	"fmt"
	"time"
)

// Serializer round-trips signals to a wire format.
//
// The bus itself never serializes; delivery adapters (webhooks, external
// pub/sub bridges) pick a serializer for their transport. Implementations
// must satisfy Deserialize(Serialize(s)) == s for every envelope field,
// including extensions.
type Serializer interface {
	// Serialize encodes a signal for transport.
	Serialize(s *Signal) ([]byte, error)

	// Deserialize decodes a signal from its wire form.
	Deserialize(data []byte) (*Signal, error)
}

// wireSignal is the canonical JSON wire shape.
type wireSignal struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Source     string            `json:"source"`
	Time       time.Time         `json:"time"`
	Subject    string            `json:"subject,omitempty"`
	Data       json.RawMessage   `json:"data"`
	Extensions map[string]string `json:"extensions,omitempty"`
}

// JSONSerializer encodes signals as JSON.
type JSONSerializer struct{}

// Serialize implements Serializer.
func (JSONSerializer) Serialize(s *Signal) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(s.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal signal data: %w", err)
	}

	return json.Marshal(wireSignal{
		ID:         s.ID,
		Type:       s.Type,
		Source:     s.Source,
		Time:       s.Time,
		Subject:    s.Subject,
		Data:       data,
		Extensions: s.Extensions,
	})
}

// Deserialize implements Serializer.
func (JSONSerializer) Deserialize(data []byte) (*Signal, error) {
	var w wireSignal
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal signal: %w", err)
	}

	var payload any
	if len(w.Data) > 0 {
		if err := json.Unmarshal(w.Data, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal signal data: %w", err)
		}
	}

	s := &Signal{
		ID:         w.ID,
		Type:       w.Type,
		Source:     w.Source,
		Time:       w.Time,
		Subject:    w.Subject,
		Data:       payload,
		Extensions: w.Extensions,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
