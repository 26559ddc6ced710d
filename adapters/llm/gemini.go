package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"sync"

	"google.golang.org/genai"

	"github.com/satriahrh/llama-lens/domain"
)

// GeminiClient completes the same role-play transcript against Gemini. The
// captured image travels as an inline JPEG part next to the transcript.
type GeminiClient struct {
	models generator
	model  string
}

type generator interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// NewGeminiClient reads credentials the way genai does (GOOGLE_API_KEY, or
// the Vertex AI environment variables).
func NewGeminiClient(ctx context.Context, model string) (*GeminiClient, error) {
	client, err := genai.NewClient(
		ctx,
		&genai.ClientConfig{
			HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	return &GeminiClient{models: client.Models, model: model}, nil
}

// Complete implements domain.Completer.
func (g *GeminiClient) Complete(ctx context.Context, req domain.CompletionRequest) (domain.FragmentStream, error) {
	raw, err := base64.StdEncoding.DecodeString(req.Image.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	contents := []*genai.Content{
		{
			Role: genai.RoleUser,
			Parts: []*genai.Part{
				{InlineData: &genai.Blob{MIMEType: "image/jpeg", Data: raw}},
				{Text: req.Prompt},
			},
		},
	}

	ctx, cancel := context.WithCancel(ctx)
	seq := g.models.GenerateContentStream(ctx, g.model, contents, nil)
	next, stop := iter.Pull2(seq)

	return &geminiStream{next: next, stop: stop, cancel: cancel}, nil
}

type geminiStream struct {
	next     func() (*genai.GenerateContentResponse, error, bool)
	stop     func()
	cancel   context.CancelFunc
	fragment string
	err      error
	done     bool
	once     sync.Once
}

func (s *geminiStream) Next() bool {
	for !s.done {
		resp, err, ok := s.next()
		if !ok {
			s.done = true
			break
		}
		if err != nil {
			s.err = fmt.Errorf("generate content: %w", classifyError(err))
			s.done = true
			break
		}
		if resp == nil {
			continue
		}
		if text := resp.Text(); text != "" {
			s.fragment = text
			return true
		}
	}
	s.fragment = ""
	return false
}

func (s *geminiStream) Fragment() string {
	return s.fragment
}

func (s *geminiStream) Err() error {
	return s.err
}

func (s *geminiStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.stop()
	})
	return nil
}
