package tts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSynth struct {
	texts []string
	audio []byte
	err   error
}

func (f *fakeSynth) Synthesize(_ context.Context, text string) ([]byte, error) {
	f.texts = append(f.texts, text)
	return f.audio, f.err
}

type fakeSink struct {
	played [][]byte
	texts  []string
}

func (f *fakeSink) PlayAudio(_ context.Context, text string, audio []byte) error {
	f.texts = append(f.texts, text)
	f.played = append(f.played, audio)
	return nil
}

func TestAudioSpeakerSynthesizesAndPlays(t *testing.T) {
	synth := &fakeSynth{audio: []byte("mp3")}
	sink := &fakeSink{}
	s := NewAudioSpeaker(synth, sink)

	require.NoError(t, s.Speak(context.Background(), " A cat on a mat. "))
	assert.Equal(t, []string{"A cat on a mat."}, synth.texts)
	assert.Equal(t, [][]byte{[]byte("mp3")}, sink.played)
}

func TestAudioSpeakerSkipsBlankText(t *testing.T) {
	synth := &fakeSynth{audio: []byte("mp3")}
	s := NewAudioSpeaker(synth, &fakeSink{})

	require.NoError(t, s.Speak(context.Background(), "  \n"))
	assert.Empty(t, synth.texts)
}

func TestAudioSpeakerErrors(t *testing.T) {
	sink := &fakeSink{}

	s := NewAudioSpeaker(&fakeSynth{err: errors.New("quota")}, sink)
	assert.Error(t, s.Speak(context.Background(), "hi"))

	s = NewAudioSpeaker(&fakeSynth{}, sink)
	assert.Error(t, s.Speak(context.Background(), "hi"))
	assert.Empty(t, sink.played)
}
