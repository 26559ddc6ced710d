package domain

import "context"

// ImageID is the identifier the prompt placeholder "[img-10]" refers to.
const ImageID = 10

// Completer abstracts an inference server able to continue a multimodal prompt.
type Completer interface {
	// Complete issues one completion request and returns the streamed reply.
	// The caller must Close the stream.
	Complete(ctx context.Context, req CompletionRequest) (FragmentStream, error)
}

// CompletionRequest is one round trip to the inference server.
type CompletionRequest struct {
	Prompt string
	Image  Image
}

// FragmentStream yields the incremental text of one reply. It is single pass:
// once Next returns false the stream is exhausted or errored, see Err.
type FragmentStream interface {
	Next() bool
	Fragment() string
	Err() error
	Close() error
}

// Image is a still capture, JPEG encoded and base64 wrapped.
type Image struct {
	ID     int    `json:"id"`
	Data   string `json:"data"`
	Digest string `json:"-"`
	Width  int    `json:"-"`
	Height int    `json:"-"`
}

// Region is a rectangle of the screen, in pixels.
type Region struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Hasher fingerprints encoded image bytes into Image.Digest.
type Hasher interface {
	Hash(data []byte) string
}
