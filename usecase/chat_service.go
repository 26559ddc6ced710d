package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/llama-lens/domain"
	"github.com/satriahrh/llama-lens/utils/log"
)

var (
	ErrNoSession    = errors.New("no active session")
	ErrEmptyMessage = errors.New("follow-up message is empty")
	ErrEmptyImage   = errors.New("image has no data")
)

// Spoken announcements.
const (
	AnnounceRecognizing = "Recognizing"
	AnnounceWait        = "Please wait"
	AnnounceFailed      = "Recognition failed"
)

// FailurePolicy decides what the user hears when a request fails.
type FailurePolicy int

const (
	// FailureNotify tells the presenter and speaks AnnounceFailed.
	FailureNotify FailurePolicy = iota
	// FailureSilent only logs; the presenter just sees the stream end.
	FailureSilent
)

type eventKind int

const (
	eventFragment eventKind = iota
	eventDone
	eventFailed
)

// event travels from a request goroutine to the Run loop.
type event struct {
	kind       eventKind
	generation uint64
	sessionID  string
	text       string
	err        error
}

// ChatService owns the conversation about a captured image. Requests run on
// their own goroutines; everything they produce is handed to Run, which is
// the only caller of the Presenter.
//
// Each request captures the generation current when it started. Starting
// another request or ending the session bumps the generation, cancels the
// previous request and makes anything it still produces stale.
type ChatService struct {
	completer  domain.Completer
	presenter  domain.Presenter
	speaker    domain.Speaker
	policy     FailurePolicy
	flushWords int
	newID      func() string

	events     chan event
	generation atomic.Uint64

	mu      sync.Mutex
	session *Session
	cancel  context.CancelFunc
}

type Option func(*ChatService)

func WithFailurePolicy(p FailurePolicy) Option {
	return func(s *ChatService) { s.policy = p }
}

// WithFlushWords sets how many words are buffered before speaking.
func WithFlushWords(n int) Option {
	return func(s *ChatService) { s.flushWords = n }
}

func WithIDGenerator(f func() string) Option {
	return func(s *ChatService) { s.newID = f }
}

func NewChatService(completer domain.Completer, presenter domain.Presenter, speaker domain.Speaker, opts ...Option) *ChatService {
	s := &ChatService{
		completer:  completer,
		presenter:  presenter,
		speaker:    speaker,
		policy:     FailureNotify,
		flushWords: 10,
		newID:      uuid.NewString,
		events:     make(chan event, 256),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run delivers request output to the presenter until ctx is done.
func (s *ChatService) Run(ctx context.Context) {
	for {
		select {
		case ev := <-s.events:
			s.dispatch(ctx, ev)
		case <-ctx.Done():
			s.EndSession()
			return
		}
	}
}

// StartSession replaces any current session with a new one about img and
// asks for the first description.
func (s *ChatService) StartSession(ctx context.Context, img domain.Image) (string, error) {
	if img.Data == "" {
		return "", ErrEmptyImage
	}
	if img.ID == 0 {
		img.ID = domain.ImageID
	}

	s.mu.Lock()
	s.supersedeLocked()
	session := newSession(s.newID(), img, s.flushWords)
	s.session = session
	gen, reqCtx := s.beginRequestLocked(ctx, session.ID)
	req := session.request()
	s.mu.Unlock()

	log.WithCtx(reqCtx).Info("Session started", zap.String("image_digest", img.Digest), zap.Int("image_bytes", len(img.Data)))
	s.say(reqCtx, AnnounceRecognizing)

	go s.query(reqCtx, gen, session.ID, req)
	return session.ID, nil
}

// SendFollowUp appends text to the history as a user turn, verbatim, and asks
// again with the same image. A request still streaming is superseded.
func (s *ChatService) SendFollowUp(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	session := s.session
	if session == nil {
		s.mu.Unlock()
		return ErrNoSession
	}
	s.supersedeLocked()
	session.appendUserTurn(text)
	gen, reqCtx := s.beginRequestLocked(ctx, session.ID)
	req := session.request()
	s.mu.Unlock()

	log.WithCtx(reqCtx).Info("Follow-up sent", zap.Int("history_chars", len(req.Prompt)))
	s.say(reqCtx, AnnounceWait)

	go s.query(reqCtx, gen, session.ID, req)
	return nil
}

// EndSession drops the session. Output of a request still in flight is
// discarded.
func (s *ChatService) EndSession() {
	s.mu.Lock()
	session := s.session
	if session == nil {
		s.mu.Unlock()
		return
	}
	s.supersedeLocked()
	s.session = nil
	s.mu.Unlock()

	log.With(zap.String("session_id", session.ID)).Info("Session ended")
}

// History returns the transcript of the current session.
func (s *ChatService) History() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return "", false
	}
	return s.session.History(), true
}

// SessionID returns the current session id, or "" without a session.
func (s *ChatService) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return ""
	}
	return s.session.ID
}

// supersedeLocked invalidates the running request, if any. s.mu must be held.
func (s *ChatService) supersedeLocked() {
	s.generation.Add(1)
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.session != nil {
		s.session.speech.Reset()
		s.session.replying = false
	}
}

// beginRequestLocked claims a new generation for a request. s.mu must be held.
// The request outlives ctx's cancellation but keeps its values.
func (s *ChatService) beginRequestLocked(ctx context.Context, sessionID string) (uint64, context.Context) {
	gen := s.generation.Add(1)
	reqCtx, cancel := context.WithCancel(log.WithSessionID(context.WithoutCancel(ctx), sessionID))
	s.cancel = cancel
	return gen, reqCtx
}

func (s *ChatService) isCurrent(gen uint64) bool {
	return s.generation.Load() == gen
}

// query performs one completion request and feeds its fragments to Run.
func (s *ChatService) query(ctx context.Context, gen uint64, sessionID string, req domain.CompletionRequest) {
	logger := log.WithCtx(ctx).With(zap.Uint64("generation", gen))

	stream, err := s.completer.Complete(ctx, req)
	if err != nil {
		s.fail(ctx, logger, gen, sessionID, err)
		return
	}
	defer stream.Close()

	fragments := 0
	for stream.Next() {
		if !s.isCurrent(gen) {
			logger.Debug("Discarding superseded request", zap.Int("fragments", fragments))
			return
		}
		fragments++
		if !s.emit(ctx, event{kind: eventFragment, generation: gen, sessionID: sessionID, text: stream.Fragment()}) {
			return
		}
	}
	if err := stream.Err(); err != nil {
		s.fail(ctx, logger, gen, sessionID, err)
		return
	}

	logger.Debug("Stream finished", zap.Int("fragments", fragments))
	s.emit(ctx, event{kind: eventDone, generation: gen, sessionID: sessionID})
}

func (s *ChatService) fail(ctx context.Context, logger *zap.Logger, gen uint64, sessionID string, err error) {
	if !s.isCurrent(gen) {
		logger.Debug("Superseded request ended", zap.Error(err))
		return
	}
	logger.Error("Completion request failed", zap.Error(err))
	s.emit(ctx, event{kind: eventFailed, generation: gen, sessionID: sessionID, err: err})
}

// emit hands ev to Run. It gives up once the request is stale.
func (s *ChatService) emit(ctx context.Context, ev event) bool {
	if !s.isCurrent(ev.generation) {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// dispatch applies one event to the session and the presenter. Stale events
// are dropped without side effects.
func (s *ChatService) dispatch(ctx context.Context, ev event) {
	s.mu.Lock()
	session := s.session
	if session == nil || session.ID != ev.sessionID || !s.isCurrent(ev.generation) {
		s.mu.Unlock()
		log.With(zap.String("session_id", ev.sessionID), zap.Uint64("generation", ev.generation)).Debug("Dropping stale event")
		return
	}

	var first, begin bool
	var speak []string
	switch ev.kind {
	case eventFragment:
		session.appendReply(ev.text)
		first = !session.shown
		session.shown = true
		begin = !session.replying
		session.replying = true
		if text, ok := session.speech.Add(ev.text); ok {
			speak = append(speak, text)
		}
	case eventDone, eventFailed:
		session.replying = false
		if text, ok := session.speech.Flush(); ok {
			speak = append(speak, text)
		}
	}
	s.mu.Unlock()

	ctx = log.WithSessionID(ctx, ev.sessionID)
	switch ev.kind {
	case eventFragment:
		if first {
			s.presenter.ShowFirstToken(ev.sessionID)
		}
		if begin {
			s.presenter.BeginReply(ev.sessionID)
		}
		s.presenter.AppendFragment(ev.sessionID, ev.text)
		s.sayAll(ctx, speak)
	case eventDone:
		s.sayAll(ctx, speak)
		s.presenter.StreamComplete(ev.sessionID)
	case eventFailed:
		s.sayAll(ctx, speak)
		if s.policy == FailureNotify {
			s.presenter.StreamFailed(ev.sessionID, failureReason(ev.err))
			s.say(ctx, AnnounceFailed)
		} else {
			s.presenter.StreamComplete(ev.sessionID)
		}
	}
}

func (s *ChatService) sayAll(ctx context.Context, texts []string) {
	for _, text := range texts {
		s.say(ctx, text)
	}
}

func (s *ChatService) say(ctx context.Context, text string) {
	if s.speaker == nil {
		return
	}
	if err := s.speaker.Speak(ctx, text); err != nil {
		log.WithCtx(ctx).Warn("Speech output failed", zap.Error(err))
	}
}

func failureReason(err error) string {
	if err == nil {
		return AnnounceFailed
	}
	return err.Error()
}
