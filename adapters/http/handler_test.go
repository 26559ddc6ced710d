package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/llama-lens/adapters/capture"
	"github.com/satriahrh/llama-lens/adapters/hasher"
	"github.com/satriahrh/llama-lens/adapters/message_broker"
	"github.com/satriahrh/llama-lens/domain"
	"github.com/satriahrh/llama-lens/usecase"
)

type fakeSessions struct {
	mu        sync.Mutex
	sessionID string
	history   string
	images    []domain.Image
	followUps []string
	ended     int
	err       error
}

func (f *fakeSessions) StartSession(_ context.Context, img domain.Image) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, img)
	f.sessionID = "session-1"
	f.history = "USER: describe\nASSISTANT:"
	return f.sessionID, nil
}

func (f *fakeSessions) SendFollowUp(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.followUps = append(f.followUps, text)
	return nil
}

func (f *fakeSessions) EndSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended++
	f.sessionID = ""
}

func (f *fakeSessions) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

func (f *fakeSessions) History() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, f.sessionID != ""
}

type fakeTranscriber struct {
	err error
}

func (f *fakeTranscriber) TranscribeStreaming(_ context.Context, chunks <-chan []byte) (string, error) {
	var sb strings.Builder
	for chunk := range chunks {
		sb.Write(chunk)
	}
	if f.err != nil {
		return "", f.err
	}
	return sb.String(), nil
}

// firstChunkTranscriber answers as soon as the first chunk arrives, while the
// client may still be sending.
type firstChunkTranscriber struct{}

func (firstChunkTranscriber) TranscribeStreaming(ctx context.Context, chunks <-chan []byte) (string, error) {
	select {
	case chunk, ok := <-chunks:
		if !ok {
			return "", errors.New("no audio")
		}
		return string(chunk), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type fakeHealth struct{ err error }

func (f fakeHealth) Health(context.Context) error { return f.err }

var testCreds = Credentials{JWTSecret: "test-secret", APIKey: "key", APISecret: "secret"}

type harness struct {
	e        *echo.Echo
	sessions *fakeSessions
	broker   *message_broker.ChannelMessageBroker
	token    string
}

func newHarness(t *testing.T, transcriber Transcriber, health HealthChecker) *harness {
	t.Helper()
	broker := message_broker.NewChannelMessageBroker()
	t.Cleanup(func() { broker.Close() })

	sessions := &fakeSessions{}
	h := NewSessionHandler(sessions, capture.NewEncoder(hasher.New()), transcriber, health, broker, testCreds)
	e := echo.New()
	h.Register(e, nil)

	hs := &harness{e: e, sessions: sessions, broker: broker}
	hs.token = hs.fetchToken(t)
	return hs
}

func (hs *harness) fetchToken(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil)
	req.Header.Set("X-API-Key", testCreds.APIKey)
	req.Header.Set("X-API-Secret", testCreds.APISecret)
	rec := httptest.NewRecorder()
	hs.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["token"])
	return body["token"]
}

func (hs *harness) do(req *http.Request) *httptest.ResponseRecorder {
	req.Header.Set("Authorization", "Bearer "+hs.token)
	rec := httptest.NewRecorder()
	hs.e.ServeHTTP(rec, req)
	return rec
}

func TestGenerateJWTRejectsBadCredentials(t *testing.T) {
	hs := newHarness(t, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil)
	req.Header.Set("X-API-Key", testCreds.APIKey)
	req.Header.Set("X-API-Secret", "wrong")
	rec := httptest.NewRecorder()
	hs.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionRoutesRequireToken(t *testing.T) {
	hs := newHarness(t, nil, nil)

	rec := httptest.NewRecorder()
	hs.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/current", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/current", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	hs.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions/current", nil)
	req.Header.Set("Authorization", hs.token)
	rec = httptest.NewRecorder()
	hs.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartSessionFromRawPixels(t *testing.T) {
	hs := newHarness(t, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewReader(make([]byte, 3*2*4)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEOctetStream)
	req.Header.Set(HeaderRegionLeft, "100")
	req.Header.Set(HeaderRegionTop, "50")
	req.Header.Set(HeaderRegionWidth, "3")
	req.Header.Set(HeaderRegionHeight, "2")
	rec := hs.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp StartSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "session-1", resp.SessionID)
	assert.Equal(t, 3, resp.Width)
	assert.Equal(t, 2, resp.Height)
	assert.NotEmpty(t, resp.ImageDigest)

	require.Len(t, hs.sessions.images, 1)
	assert.Equal(t, domain.ImageID, hs.sessions.images[0].ID)
	assert.NotEmpty(t, hs.sessions.images[0].Data)
}

func TestStartSessionFromUpload(t *testing.T) {
	hs := newHarness(t, nil, nil)

	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	src.Set(1, 1, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", &buf)
	req.Header.Set(echo.HeaderContentType, "image/png")
	rec := hs.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp StartSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp.Width)
	assert.Equal(t, 4, resp.Height)
}

func TestStartSessionRejectsBadInput(t *testing.T) {
	hs := newHarness(t, nil, nil)

	tests := []struct {
		name        string
		contentType string
		headers     map[string]string
		body        []byte
		want        int
	}{
		{
			name:        "missing width",
			contentType: echo.MIMEOctetStream,
			headers:     map[string]string{HeaderRegionHeight: "2"},
			body:        make([]byte, 8),
			want:        http.StatusBadRequest,
		},
		{
			name:        "short pixel buffer",
			contentType: echo.MIMEOctetStream,
			headers:     map[string]string{HeaderRegionWidth: "2", HeaderRegionHeight: "2"},
			body:        make([]byte, 8),
			want:        http.StatusBadRequest,
		},
		{
			name:        "unknown pixel format",
			contentType: echo.MIMEOctetStream,
			headers:     map[string]string{HeaderRegionWidth: "1", HeaderRegionHeight: "1", HeaderPixelFormat: "argb"},
			body:        make([]byte, 4),
			want:        http.StatusBadRequest,
		},
		{
			name:        "undecodable upload",
			contentType: "image/png",
			body:        []byte("not a png"),
			want:        http.StatusBadRequest,
		},
		{
			name:        "unsupported content type",
			contentType: echo.MIMEApplicationJSON,
			body:        []byte("{}"),
			want:        http.StatusUnsupportedMediaType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, tt.contentType)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := hs.do(req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, hs.sessions.images)
}

func TestCurrentSessionAndEnd(t *testing.T) {
	hs := newHarness(t, nil, nil)

	rec := hs.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/current", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := hs.sessions.StartSession(context.Background(), domain.Image{})
	require.NoError(t, err)

	rec = hs.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/current", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "session-1", resp.SessionID)
	assert.Equal(t, "USER: describe\nASSISTANT:", resp.History)

	rec = hs.do(httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/current", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, hs.sessions.ended)
}

func TestFollowUp(t *testing.T) {
	hs := newHarness(t, nil, nil)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/current/messages", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		return hs.do(req)
	}

	rec := post(`{"text":"what colour is the button?"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"what colour is the button?"}, hs.sessions.followUps)

	assert.Equal(t, http.StatusBadRequest, post(`{`).Code)

	hs.sessions.err = usecase.ErrEmptyMessage
	assert.Equal(t, http.StatusBadRequest, post(`{"text":""}`).Code)

	hs.sessions.err = usecase.ErrNoSession
	assert.Equal(t, http.StatusNotFound, post(`{"text":"hello"}`).Code)

	hs.sessions.err = errors.New("boom")
	assert.Equal(t, http.StatusInternalServerError, post(`{"text":"hello"}`).Code)
}

func TestStreamAudioPublishesTranscription(t *testing.T) {
	hs := newHarness(t, &fakeTranscriber{}, nil)
	_, err := hs.sessions.StartSession(context.Background(), domain.Image{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := hs.broker.Subscribe(ctx, domain.TranscriptionTopic, "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/current/audio", strings.NewReader("is there a close button"))
	req.Header.Set(echo.HeaderContentType, "audio/l16")
	rec := hs.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp StreamAudioResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "is there a close button", resp.Text)

	select {
	case msg := <-msgs:
		var tm domain.TranscriptionMessage
		require.NoError(t, json.Unmarshal(msg.Payload, &tm))
		assert.Equal(t, "session-1", tm.SessionID)
		assert.Equal(t, "is there a close button", tm.Text)
		assert.Equal(t, "host", tm.DeviceID)
		assert.True(t, tm.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("transcription was not published")
	}
}

func TestStreamAudioReturnsWhileClientStillSending(t *testing.T) {
	hs := newHarness(t, firstChunkTranscriber{}, nil)
	_, err := hs.sessions.StartSession(context.Background(), domain.Image{})
	require.NoError(t, err)

	server := httptest.NewServer(hs.e)
	defer server.Close()

	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		pw.Write([]byte("zoom"))
	}()

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/v1/sessions/current/audio", pr)
	require.NoError(t, err)
	req.Header.Set(echo.HeaderContentType, "audio/l16")
	req.Header.Set("Authorization", "Bearer "+hs.token)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body StreamAudioResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "zoom", body.Text)
}

func TestStreamAudioFailures(t *testing.T) {
	hs := newHarness(t, nil, nil)
	_, err := hs.sessions.StartSession(context.Background(), domain.Image{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/current/audio", strings.NewReader("x"))
	req.Header.Set(echo.HeaderContentType, "audio/l16")
	assert.Equal(t, http.StatusNotImplemented, hs.do(req).Code)

	hs = newHarness(t, &fakeTranscriber{err: errors.New("no speech")}, nil)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/sessions/current/audio", strings.NewReader("x"))
	req.Header.Set(echo.HeaderContentType, "audio/l16")
	assert.Equal(t, http.StatusNotFound, hs.do(req).Code)

	_, err = hs.sessions.StartSession(context.Background(), domain.Image{})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/sessions/current/audio", strings.NewReader("x"))
	req.Header.Set(echo.HeaderContentType, "text/plain")
	assert.Equal(t, http.StatusBadRequest, hs.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/sessions/current/audio", strings.NewReader("x"))
	req.Header.Set(echo.HeaderContentType, "audio/l16")
	assert.Equal(t, http.StatusUnprocessableEntity, hs.do(req).Code)
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name   string
		health HealthChecker
		want   string
	}{
		{"no checker", nil, "unknown"},
		{"server up", fakeHealth{}, "ok"},
		{"server down", fakeHealth{err: errors.New("llama.cpp server is not running")}, "llama.cpp server is not running"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := newHarness(t, nil, tt.health)
			rec := httptest.NewRecorder()
			hs.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
			require.Equal(t, http.StatusOK, rec.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "healthy", body["status"])
			assert.Equal(t, tt.want, body["inference"])
			assert.EqualValues(t, 0, body["pending_follow_ups"])
		})
	}
}
