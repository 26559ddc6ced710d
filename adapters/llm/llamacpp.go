package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/satriahrh/llama-lens/domain"
)

type LlamaCppClient struct {
	completionURL string
	healthURL     string
	timeout       time.Duration
	httpClient    *http.Client
}

type completionRequest struct {
	Prompt    string      `json:"prompt"`
	Stream    bool        `json:"stream"`
	ImageData []imageData `json:"image_data"`
}

type imageData struct {
	ID   int    `json:"id"`
	Data string `json:"data"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// NewLlamaCppClient returns a client posting to completionURL, for example
// http://localhost:8080/completion.
//
// The timeout bounds dialing, waiting for the response headers (prompt and
// image evaluation happen before the first byte) and the silence between two
// reads of the stream. It does not bound how long a reply may stream.
func NewLlamaCppClient(completionURL string, timeout time.Duration) *LlamaCppClient {
	dialer := &net.Dialer{Timeout: timeout}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
	}

	healthURL := strings.TrimSuffix(completionURL, "completion") + "health"

	return &LlamaCppClient{
		completionURL: completionURL,
		healthURL:     healthURL,
		timeout:       timeout,
		httpClient:    &http.Client{Transport: transport},
	}
}

// Endpoint returns the completion URL.
func (c *LlamaCppClient) Endpoint() string {
	return c.completionURL
}

// Complete implements domain.Completer.
func (c *LlamaCppClient) Complete(ctx context.Context, req domain.CompletionRequest) (domain.FragmentStream, error) {
	body, err := json.Marshal(completionRequest{
		Prompt: req.Prompt,
		Stream: true,
		ImageData: []imageData{
			{ID: req.Image.ID, Data: req.Image.Data},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.completionURL, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		classified := classifyError(err)
		if errors.Is(classified, ErrNotRunning) {
			return nil, fmt.Errorf("%w at %s", ErrNotRunning, c.completionURL)
		}
		return nil, classified
	}

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	idle := newIdleReader(resp.Body, c.timeout, cancel)
	return &completionStream{
		StreamReader: NewStreamReader(idle),
		body:         resp.Body,
		idle:         idle,
		timeout:      c.timeout,
		cancel:       cancel,
	}, nil
}

// Health asks the server whether a model is loaded.
func (c *LlamaCppClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		classified := classifyError(err)
		if errors.Is(classified, ErrNotRunning) {
			return fmt.Errorf("%w at %s", ErrNotRunning, c.healthURL)
		}
		return classified
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if health.Status != "ok" {
		return fmt.Errorf("%w: status %q", ErrRequestFailed, health.Status)
	}
	return nil
}

// completionStream ties the decoded stream to the connection it reads from.
type completionStream struct {
	*StreamReader
	body    io.Closer
	idle    *idleReader
	timeout time.Duration
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *completionStream) Err() error {
	err := s.StreamReader.Err()
	if err != nil && s.idle.expired.Load() {
		return fmt.Errorf("%w: no data for %s", ErrTimeout, s.timeout)
	}
	return err
}

// Close releases the connection. Closing a stream that is still being
// generated aborts the request server side.
func (s *completionStream) Close() error {
	var err error
	s.once.Do(func() {
		s.idle.stop()
		s.cancel()
		err = s.body.Close()
	})
	return err
}

// idleReader calls onExpire when no bytes arrive for timeout.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleReader(r io.Reader, timeout time.Duration, onExpire func()) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.expired.Store(true)
		onExpire()
	})
	return ir
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 && !r.expired.Load() {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

func (r *idleReader) stop() {
	r.timer.Stop()
}
