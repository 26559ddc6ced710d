package usecase

import (
	"fmt"
	"strings"

	"github.com/satriahrh/llama-lens/domain"
)

// Prompt seeds every conversation. "[img-10]" refers to domain.ImageID.
const Prompt = "This is a conversation between User and Llama, a friendly chatbot. " +
	"Llama is helpful, kind, honest, good at writing, and never fails to answer any requests immediately and with precision. " +
	"Llama is especially good at describing images in great detail for users who can't see.\n" +
	"USER: [img-10] Please describe this image in detail.\nASSISTANT:"

// Session is one dialog about one captured image. The history only ever grows:
// replies and follow-ups are appended verbatim and the whole transcript is
// re-sent with every request.
type Session struct {
	ID    string
	Image domain.Image

	history  strings.Builder
	shown    bool
	replying bool
	speech   *SpeechBuffer
}

func newSession(id string, img domain.Image, flushWords int) *Session {
	s := &Session{
		ID:     id,
		Image:  img,
		speech: NewSpeechBuffer(flushWords),
	}
	s.history.WriteString(Prompt)
	return s
}

// History returns the transcript sent to the inference server so far.
func (s *Session) History() string {
	return s.history.String()
}

func (s *Session) appendReply(fragment string) {
	s.history.WriteString(fragment)
}

func (s *Session) appendUserTurn(text string) {
	fmt.Fprintf(&s.history, "\nUSER: %s\nASSISTANT:", text)
}

func (s *Session) request() domain.CompletionRequest {
	return domain.CompletionRequest{
		Prompt: s.History(),
		Image:  s.Image,
	}
}
