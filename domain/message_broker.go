package domain

import (
	"context"
	"time"
)

// TranscriptionTopic carries spoken follow-ups once transcribed. They are
// published with an empty routing key.
const TranscriptionTopic = "followup.transcribed"

// MessageBroker decouples the audio upload path from the session: the
// uploader publishes, the session side subscribes.
type MessageBroker interface {
	Publish(ctx context.Context, topic, routingKey string, payload []byte) error
	// Subscribe returns the delivery channel for topic and routingKey. It is
	// closed when the broker closes.
	Subscribe(ctx context.Context, topic, routingKey string) (<-chan Message, error)
	Close() error
}

type Message struct {
	Topic      string
	RoutingKey string
	Payload    []byte
	Timestamp  time.Time
}

// TranscriptionMessage is the TranscriptionTopic payload, JSON encoded.
// SessionID is the session that was current when recording started; the
// listener drops the text if another session has replaced it since.
type TranscriptionMessage struct {
	SessionID string    `json:"session_id"`
	UserID    int       `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	Text      string    `json:"text"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
