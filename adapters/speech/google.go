package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
)

const sampleRateHertz = 16000

// ErrNoSpeech is returned when the audio held no recognizable words.
var ErrNoSpeech = errors.New("no speech recognized")

type GoogleSpeech struct {
	client       *speech.Client
	languageCode string
}

func NewGoogleSpeech(ctx context.Context, languageCode string) (*GoogleSpeech, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating Google speech client: %w", err)
	}
	return &GoogleSpeech{
		client:       client,
		languageCode: languageCode,
	}, nil
}

// TranscribeStreaming streams 16 kHz LINEAR16 audio chunks to Google and
// returns the final transcript once chunks is closed.
func (g *GoogleSpeech) TranscribeStreaming(ctx context.Context, chunks <-chan []byte) (string, error) {
	streamingClient, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return "", fmt.Errorf("creating streaming client: %w", err)
	}

	err = streamingClient.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:            sampleRateHertz,
					LanguageCode:               g.languageCode,
					EnableAutomaticPunctuation: true,
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("sending streaming config: %w", err)
	}

	sendErr := make(chan error, 1)
	go func() {
		for chunk := range chunks {
			err := streamingClient.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
					AudioContent: chunk,
				},
			})
			if err != nil {
				sendErr <- fmt.Errorf("sending audio: %w", err)
				return
			}
		}
		sendErr <- streamingClient.CloseSend()
	}()

	var transcript strings.Builder
	for {
		resp, err := streamingClient.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("receiving transcription: %w", err)
		}
		if status := resp.GetError(); status != nil {
			return "", fmt.Errorf("recognition error: %s", status.GetMessage())
		}
		for _, result := range resp.GetResults() {
			if !result.GetIsFinal() || len(result.GetAlternatives()) == 0 {
				continue
			}
			transcript.WriteString(result.GetAlternatives()[0].GetTranscript())
		}
	}

	if err := <-sendErr; err != nil {
		return "", err
	}

	text := strings.TrimSpace(transcript.String())
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}

func (g *GoogleSpeech) Close() error {
	return g.client.Close()
}
