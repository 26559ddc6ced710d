package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/satriahrh/llama-lens/domain"
)

// fakeStream is fed by the test, one fragment at a time.
type fakeStream struct {
	req      domain.CompletionRequest
	ctx      context.Context
	frags    chan string
	err      error
	fragment string
	closed   chan struct{}
	once     sync.Once
}

func newFakeStream(ctx context.Context, req domain.CompletionRequest) *fakeStream {
	return &fakeStream{
		req:    req,
		ctx:    ctx,
		frags:  make(chan string, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeStream) push(texts ...string) {
	for _, t := range texts {
		f.frags <- t
	}
}

func (f *fakeStream) finish() {
	close(f.frags)
}

func (f *fakeStream) failWith(err error) {
	f.err = err
	close(f.frags)
}

func (f *fakeStream) Next() bool {
	select {
	case t, ok := <-f.frags:
		if !ok {
			return false
		}
		f.fragment = t
		return true
	case <-f.ctx.Done():
		f.err = f.ctx.Err()
		return false
	}
}

func (f *fakeStream) Fragment() string { return f.fragment }
func (f *fakeStream) Err() error       { return f.err }

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not closed")
	}
}

type fakeCompleter struct {
	mu      sync.Mutex
	err     error
	started chan *fakeStream
}

func newFakeCompleter() *fakeCompleter {
	return &fakeCompleter{started: make(chan *fakeStream, 8)}
}

func (c *fakeCompleter) Complete(ctx context.Context, req domain.CompletionRequest) (domain.FragmentStream, error) {
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s := newFakeStream(ctx, req)
	c.started <- s
	return s, nil
}

func (c *fakeCompleter) failWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeCompleter) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-c.started:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no completion request was issued")
		return nil
	}
}

type recordingPresenter struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPresenter) record(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, fmt.Sprintf(format, args...))
}

func (p *recordingPresenter) ShowFirstToken(string)         { p.record("first") }
func (p *recordingPresenter) BeginReply(string)             { p.record("begin") }
func (p *recordingPresenter) AppendFragment(_, text string) { p.record("fragment:%s", text) }
func (p *recordingPresenter) StreamComplete(string)         { p.record("complete") }
func (p *recordingPresenter) StreamFailed(_, reason string) { p.record("failed:%s", reason) }

func (p *recordingPresenter) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *recordingPresenter) has(event string) bool {
	for _, e := range p.snapshot() {
		if e == event {
			return true
		}
	}
	return false
}

func (p *recordingPresenter) waitFor(t *testing.T, event string) {
	t.Helper()
	require.Eventually(t, func() bool { return p.has(event) }, 2*time.Second, 5*time.Millisecond, "presenter never saw %q", event)
}

type recordingSpeaker struct {
	mu    sync.Mutex
	texts []string
}

func (s *recordingSpeaker) Speak(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *recordingSpeaker) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type harness struct {
	svc       *ChatService
	completer *fakeCompleter
	presenter *recordingPresenter
	speaker   *recordingSpeaker
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		completer: newFakeCompleter(),
		presenter: &recordingPresenter{},
		speaker:   &recordingSpeaker{},
	}
	ids := 0
	opts = append([]Option{WithIDGenerator(func() string {
		ids++
		return fmt.Sprintf("session-%d", ids)
	})}, opts...)
	h.svc = NewChatService(h.completer, h.presenter, h.speaker, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func testImage() domain.Image {
	return domain.Image{ID: domain.ImageID, Data: "/9j/4AAQ", Digest: "abc"}
}
