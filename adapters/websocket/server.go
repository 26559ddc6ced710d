package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/llama-lens/domain"
	"github.com/satriahrh/llama-lens/utils/log"
)

// Event types pushed to hosts.
const (
	EventFirstToken    = "first_token"
	EventReplyStart    = "reply_start"
	EventFragment      = "fragment"
	EventComplete      = "complete"
	EventFailed        = "failed"
	EventSpeak         = "speak"
	EventSpeakAudio    = "speak_audio"
	EventTranscription = "transcription"
	EventError         = "error"
	// EventSession tells a newly connected host which session is current.
	EventSession = "session"
)

// Command types accepted from hosts.
const (
	CommandFollowUp   = "follow_up"
	CommandEndSession = "end_session"
)

// ErrNoHost is returned by speech output while no host is connected.
var ErrNoHost = errors.New("no host connected")

// Event is what hosts receive. Audio is base64 MP3.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Audio     string    `json:"audio,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FollowUpSender is the part of the chat service hosts can drive.
type FollowUpSender interface {
	SendFollowUp(ctx context.Context, text string) error
	EndSession()
	SessionID() string
}

// Server fans session output out to every connected host. It is the
// presenter and, with SPEECH_OUTPUT=host, the speaker of the chat service.
type Server struct {
	upgrader      websocket.Upgrader
	svc           FollowUpSender
	messageBroker domain.MessageBroker
	hub           *Hub
}

func NewServer(messageBroker domain.MessageBroker) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		messageBroker: messageBroker,
		hub:           NewHub(),
	}
}

// Attach sets the service commands are forwarded to. The chat service needs
// the server as its presenter, so the two are wired in two steps.
func (s *Server) Attach(svc FollowUpSender) {
	s.svc = svc
}

func (s *Server) GetHub() *Hub {
	return s.hub
}

func (s *Server) ShowFirstToken(sessionID string) {
	s.hub.Publish(Event{Type: EventFirstToken, SessionID: sessionID})
}

func (s *Server) BeginReply(sessionID string) {
	s.hub.Publish(Event{Type: EventReplyStart, SessionID: sessionID})
}

func (s *Server) AppendFragment(sessionID, text string) {
	s.hub.Publish(Event{Type: EventFragment, SessionID: sessionID, Text: text})
}

func (s *Server) StreamComplete(sessionID string) {
	s.hub.Publish(Event{Type: EventComplete, SessionID: sessionID})
}

func (s *Server) StreamFailed(sessionID, reason string) {
	s.hub.Publish(Event{Type: EventFailed, SessionID: sessionID, Reason: reason})
}

// Speak hands text to the hosts' own speech synthesizers.
func (s *Server) Speak(ctx context.Context, text string) error {
	if s.hub.Publish(Event{Type: EventSpeak, Text: text}) == 0 {
		return ErrNoHost
	}
	return nil
}

// PlayAudio sends synthesized speech to the hosts.
func (s *Server) PlayAudio(ctx context.Context, text string, audio []byte) error {
	ev := Event{
		Type:  EventSpeakAudio,
		Text:  text,
		Audio: base64.StdEncoding.EncodeToString(audio),
	}
	if s.hub.Publish(ev) == 0 {
		return ErrNoHost
	}
	return nil
}

func (s *Server) currentSession() string {
	if s.svc == nil {
		return ""
	}
	return s.svc.SessionID()
}

// handleCommand runs on the client's read goroutine.
func (s *Server) handleCommand(c *Client, cmd Command) {
	ctx := c.Context()
	if s.svc == nil {
		c.Send(Event{Type: EventError, Reason: "service not ready"})
		return
	}

	switch cmd.Type {
	case CommandFollowUp:
		if err := s.svc.SendFollowUp(ctx, cmd.Text); err != nil {
			log.WithCtx(ctx).Info("Follow-up rejected", zap.Error(err))
			c.Send(Event{Type: EventError, Reason: err.Error()})
		}
	case CommandEndSession:
		s.svc.EndSession()
	default:
		c.Send(Event{Type: EventError, Reason: "unknown command " + cmd.Type})
	}
}

// StartTranscriptionListener forwards transcribed follow-ups to the session
// and echoes them to hosts until ctx is done.
func (s *Server) StartTranscriptionListener(ctx context.Context) {
	messageChan, err := s.messageBroker.Subscribe(ctx, domain.TranscriptionTopic, "")
	if err != nil {
		log.WithCtx(ctx).Error("Failed to subscribe to transcription topic", zap.Error(err))
		return
	}

	log.WithCtx(ctx).Info("WebSocket server listening to transcription messages")

	for {
		select {
		case msg, ok := <-messageChan:
			if !ok {
				log.WithCtx(ctx).Info("Transcription topic closed")
				return
			}
			s.handleTranscription(ctx, msg)

		case <-ctx.Done():
			log.WithCtx(ctx).Info("Transcription listener stopped")
			return
		}
	}
}

func (s *Server) handleTranscription(ctx context.Context, msg domain.Message) {
	var transcription domain.TranscriptionMessage
	if err := json.Unmarshal(msg.Payload, &transcription); err != nil {
		log.WithCtx(ctx).Error("Failed to unmarshal transcription message", zap.Error(err))
		return
	}
	ctx = log.WithSessionID(ctx, transcription.SessionID)

	s.hub.Publish(Event{
		Type:      EventTranscription,
		SessionID: transcription.SessionID,
		Text:      transcription.Text,
		Reason:    transcription.Error,
		Timestamp: transcription.Timestamp,
	})

	if !transcription.Success || s.svc == nil {
		return
	}
	if current := s.svc.SessionID(); current != transcription.SessionID {
		log.WithCtx(ctx).Info("Dropping transcription for a closed session", zap.String("current_session", current))
		return
	}
	if err := s.svc.SendFollowUp(ctx, transcription.Text); err != nil {
		log.WithCtx(ctx).Warn("Spoken follow-up rejected", zap.Error(err))
	}
}
