package tts

import (
	"context"
	"fmt"
	"strings"
	"sync"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"github.com/googleapis/gax-go/v2"
)

// Short phrases such as "Please wait" are spoken over and over; their audio
// is kept once synthesized.
const (
	phraseMaxWords  = 3
	phraseCacheSize = 32
)

type speechClient interface {
	SynthesizeSpeech(ctx context.Context, req *texttospeechpb.SynthesizeSpeechRequest, opts ...gax.CallOption) (*texttospeechpb.SynthesizeSpeechResponse, error)
}

// GoogleTTS synthesizes MP3 speech with Google Cloud Text-to-Speech.
type GoogleTTS struct {
	client       speechClient
	closer       func() error
	languageCode string

	mu      sync.Mutex
	phrases map[string][]byte
}

func NewGoogleTTS(ctx context.Context, languageCode string) (*GoogleTTS, error) {
	client, err := texttospeech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating Google tts client: %w", err)
	}
	g := newGoogleTTS(client, languageCode)
	g.closer = client.Close
	return g, nil
}

func newGoogleTTS(client speechClient, languageCode string) *GoogleTTS {
	return &GoogleTTS{
		client:       client,
		languageCode: languageCode,
		phrases:      make(map[string][]byte),
	}
}

func (g *GoogleTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	cacheable := len(strings.Fields(text)) <= phraseMaxWords
	if cacheable {
		g.mu.Lock()
		audio, ok := g.phrases[text]
		g.mu.Unlock()
		if ok {
			return audio, nil
		}
	}

	resp, err := g.client.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: g.languageCode,
			SsmlGender:   texttospeechpb.SsmlVoiceGender_NEUTRAL,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding: texttospeechpb.AudioEncoding_MP3,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("synthesizing speech: %w", err)
	}
	audio := resp.GetAudioContent()

	if cacheable && len(audio) > 0 {
		g.mu.Lock()
		if len(g.phrases) < phraseCacheSize {
			g.phrases[text] = audio
		}
		g.mu.Unlock()
	}
	return audio, nil
}

func (g *GoogleTTS) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer()
}
