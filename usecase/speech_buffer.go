package usecase

import "strings"

// SpeechBuffer collects fragments so that speech is neither one token at a
// time nor held back until the reply ends.
type SpeechBuffer struct {
	threshold int
	buf       strings.Builder
}

func NewSpeechBuffer(threshold int) *SpeechBuffer {
	if threshold < 1 {
		threshold = 1
	}
	return &SpeechBuffer{threshold: threshold}
}

// Add appends a fragment. Once the buffer holds threshold or more
// whitespace-separated words it is emptied and its text returned.
func (b *SpeechBuffer) Add(fragment string) (string, bool) {
	b.buf.WriteString(fragment)
	if len(strings.Fields(b.buf.String())) < b.threshold {
		return "", false
	}
	return b.take(), true
}

// Flush empties the buffer, returning its text unless there was nothing to say.
func (b *SpeechBuffer) Flush() (string, bool) {
	if strings.TrimSpace(b.buf.String()) == "" {
		b.buf.Reset()
		return "", false
	}
	return b.take(), true
}

func (b *SpeechBuffer) Reset() {
	b.buf.Reset()
}

func (b *SpeechBuffer) Len() int {
	return b.buf.Len()
}

func (b *SpeechBuffer) take() string {
	text := b.buf.String()
	b.buf.Reset()
	return text
}
