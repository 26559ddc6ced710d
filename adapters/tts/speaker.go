package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Synthesizer turns text into encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// AudioSink plays synthesized audio, typically by sending it to the host.
type AudioSink interface {
	PlayAudio(ctx context.Context, text string, audio []byte) error
}

// AudioSpeaker is a domain.Speaker that synthesizes speech itself instead of
// relying on the host's voice.
type AudioSpeaker struct {
	synth Synthesizer
	sink  AudioSink
}

func NewAudioSpeaker(synth Synthesizer, sink AudioSink) *AudioSpeaker {
	return &AudioSpeaker{synth: synth, sink: sink}
}

func (s *AudioSpeaker) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	audio, err := s.synth.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	if len(audio) == 0 {
		return errors.New("synthesizer returned no audio")
	}
	if err := s.sink.PlayAudio(ctx, text, audio); err != nil {
		return fmt.Errorf("playing audio: %w", err)
	}
	return nil
}
