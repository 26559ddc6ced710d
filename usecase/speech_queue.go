package usecase

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/llama-lens/domain"
	"github.com/satriahrh/llama-lens/utils/log"
)

var ErrSpeechQueueClosed = errors.New("speech queue is closed")

// SpeechQueue makes a Speaker fire-and-forget: Speak enqueues and returns,
// a single goroutine speaks the texts in order.
//
// Nothing is dropped. Once size texts are waiting, new text is joined onto
// the newest waiting entry, so a slow synthesizer gets fewer, longer calls.
type SpeechQueue struct {
	speaker domain.Speaker
	size    int

	mu      sync.Mutex
	pending []string
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func NewSpeechQueue(speaker domain.Speaker, size int) *SpeechQueue {
	if size < 1 {
		size = 1
	}
	q := &SpeechQueue{
		speaker: speaker,
		size:    size,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Speak implements domain.Speaker.
func (q *SpeechQueue) Speak(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrSpeechQueueClosed
	}
	if n := len(q.pending); n >= q.size {
		q.pending[n-1] += " " + text
		log.WithCtx(ctx).Debug("Speech queue full, merged text", zap.Int("waiting", n))
	} else {
		q.pending = append(q.pending, text)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close stops accepting text and waits until everything queued was spoken.
func (q *SpeechQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

// next pops the oldest waiting text. ok is false once the queue is closed
// and drained.
func (q *SpeechQueue) next() (text string, ok bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			text = q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return text, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return "", false
		}
		<-q.wake
	}
}

func (q *SpeechQueue) run() {
	defer close(q.done)
	ctx := context.Background()
	for {
		text, ok := q.next()
		if !ok {
			return
		}
		if err := q.speaker.Speak(ctx, text); err != nil {
			log.WithCtx(ctx).Warn("Failed to speak", zap.Error(err), zap.Int("chars", len(text)))
		}
	}
}
