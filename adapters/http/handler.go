package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/llama-lens/adapters/capture"
	"github.com/satriahrh/llama-lens/domain"
	"github.com/satriahrh/llama-lens/usecase"
	"github.com/satriahrh/llama-lens/utils/log"
)

const (
	JWTExpiry = 24 * time.Hour
	JWTIssuer = "llama-lens"

	MaxImageSize     = 32 * 1024 * 1024
	MaxConcurrent    = 10
	MaxAudioDuration = 60 * time.Second
	audioChunkSize   = 4096

	HeaderRegionLeft   = "X-Region-Left"
	HeaderRegionTop    = "X-Region-Top"
	HeaderRegionWidth  = "X-Region-Width"
	HeaderRegionHeight = "X-Region-Height"
	HeaderPixelFormat  = "X-Pixel-Format"
	HeaderDeviceID     = "X-Device-ID"
)

// SessionService is the chat service as seen by the REST API.
type SessionService interface {
	StartSession(ctx context.Context, img domain.Image) (string, error)
	SendFollowUp(ctx context.Context, text string) error
	EndSession()
	SessionID() string
	History() (string, bool)
}

type ImageEncoder interface {
	EncodePixels(region domain.Region, format capture.PixelFormat, pixels []byte) (domain.Image, error)
	EncodeFile(data []byte) (domain.Image, error)
}

type Transcriber interface {
	TranscribeStreaming(ctx context.Context, chunks <-chan []byte) (string, error)
}

type HealthChecker interface {
	Health(ctx context.Context) error
}

type pendingCounter interface {
	Pending(topic, routingKey string) int
}

type Credentials struct {
	JWTSecret string
	APIKey    string
	APISecret string
}

type SessionHandler struct {
	sessions      SessionService
	encoder       ImageEncoder
	transcriber   Transcriber
	health        HealthChecker
	messageBroker domain.MessageBroker
	creds         Credentials
}

type StartSessionResponse struct {
	SessionID   string `json:"session_id"`
	ImageDigest string `json:"image_digest"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

type FollowUpRequest struct {
	Text string `json:"text"`
}

type SessionResponse struct {
	SessionID string `json:"session_id"`
	History   string `json:"history"`
}

type StreamAudioResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

type JWTClaims struct {
	UserID   int    `json:"user_id"`
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// NewSessionHandler builds the REST handlers. transcriber and health may be nil.
func NewSessionHandler(sessions SessionService, encoder ImageEncoder, transcriber Transcriber, health HealthChecker, messageBroker domain.MessageBroker, creds Credentials) *SessionHandler {
	return &SessionHandler{
		sessions:      sessions,
		encoder:       encoder,
		transcriber:   transcriber,
		health:        health,
		messageBroker: messageBroker,
		creds:         creds,
	}
}

// Register mounts every route on e.
func (h *SessionHandler) Register(e *echo.Echo, ws echo.HandlerFunc) {
	if ws != nil {
		wsGroup := e.Group("/ws")
		wsGroup.Use(h.JWTMiddleware)
		wsGroup.GET("", ws)
	}

	api := e.Group("/api/v1")
	api.GET("/health", h.HealthCheck)
	api.POST("/auth/token", h.GenerateJWT)

	sessions := api.Group("/sessions")
	sessions.Use(h.JWTMiddleware)
	sessions.Use(h.RateLimitMiddleware)
	sessions.POST("", h.StartSession)
	sessions.GET("/current", h.CurrentSession)
	sessions.POST("/current/messages", h.FollowUp)
	sessions.POST("/current/audio", h.StreamAudio)
	sessions.DELETE("/current", h.EndSession)
}

// GenerateJWT creates a JWT token for authenticated clients
func (h *SessionHandler) GenerateJWT(c echo.Context) error {
	key := c.Request().Header.Get("X-API-Key")
	secret := c.Request().Header.Get("X-API-Secret")

	if h.creds.APIKey == "" || !equal(key, h.creds.APIKey) || !equal(secret, h.creds.APISecret) {
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid credentials")
	}

	deviceID := c.Request().Header.Get(HeaderDeviceID)
	if deviceID == "" {
		deviceID = "host"
	}

	now := time.Now()
	claims := &JWTClaims{
		UserID:   1,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(JWTExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    JWTIssuer,
			Subject:   "screen-reader-host",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(h.creds.JWTSecret))
	if err != nil {
		log.WithCtx(c.Request().Context()).Error("Error signing JWT", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to generate token")
	}

	return c.JSON(http.StatusOK, map[string]string{
		"token": tokenString,
		"type":  "Bearer",
	})
}

// JWTMiddleware accepts the token from the Authorization header, or from the
// "token" query parameter for WebSocket clients that cannot set headers.
func (h *SessionHandler) JWTMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tokenString := c.QueryParam("token")
		if authHeader := c.Request().Header.Get("Authorization"); authHeader != "" {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization format")
			}
		}
		if tokenString == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Missing authorization header")
		}

		token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(h.creds.JWTSecret), nil
		}, jwt.WithIssuer(JWTIssuer))
		if err != nil {
			log.WithCtx(c.Request().Context()).Info("JWT validation error", zap.Error(err))
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token")
		}

		if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
			c.Set("user_id", claims.UserID)
			c.Set("device_id", claims.DeviceID)
			ctx := context.WithValue(c.Request().Context(), log.UserIDKey, claims.UserID)
			ctx = context.WithValue(ctx, log.DeviceIDKey, claims.DeviceID)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}

		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token claims")
	}
}

// RateLimitMiddleware caps concurrent requests.
func (h *SessionHandler) RateLimitMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	semaphore := make(chan struct{}, MaxConcurrent)
	return func(c echo.Context) error {
		select {
		case semaphore <- struct{}{}:
			defer func() { <-semaphore }()
			return next(c)
		default:
			return echo.NewHTTPError(http.StatusTooManyRequests, "Too many concurrent requests")
		}
	}
}

// StartSession accepts either an encoded picture (image/*) or a raw 32-bit
// capture (application/octet-stream) described by the X-Region-* headers.
func (h *SessionHandler) StartSession(c echo.Context) error {
	req := c.Request()
	data, err := io.ReadAll(io.LimitReader(req.Body, MaxImageSize+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Failed to read image")
	}
	if len(data) > MaxImageSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "Image too large")
	}

	var img domain.Image
	contentType := req.Header.Get(echo.HeaderContentType)
	switch {
	case strings.HasPrefix(contentType, "image/"):
		img, err = h.encoder.EncodeFile(data)
	case strings.HasPrefix(contentType, echo.MIMEOctetStream):
		region, rerr := regionFromHeaders(req.Header)
		if rerr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, rerr.Error())
		}
		format := capture.PixelFormat(strings.ToLower(req.Header.Get(HeaderPixelFormat)))
		if format == "" {
			format = capture.PixelFormatBGRA
		}
		img, err = h.encoder.EncodePixels(region, format, data)
	default:
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "Expected image/* or application/octet-stream")
	}
	if err != nil {
		if errors.Is(err, capture.ErrInvalidImage) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		log.WithCtx(req.Context()).Error("Failed to encode capture", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to encode image")
	}

	sessionID, err := h.sessions.StartSession(req.Context(), img)
	if err != nil {
		if errors.Is(err, usecase.ErrEmptyImage) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to start session")
	}

	return c.JSON(http.StatusAccepted, StartSessionResponse{
		SessionID:   sessionID,
		ImageDigest: img.Digest,
		Width:       img.Width,
		Height:      img.Height,
	})
}

func (h *SessionHandler) CurrentSession(c echo.Context) error {
	history, ok := h.sessions.History()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, usecase.ErrNoSession.Error())
	}
	return c.JSON(http.StatusOK, SessionResponse{
		SessionID: h.sessions.SessionID(),
		History:   history,
	})
}

func (h *SessionHandler) FollowUp(c echo.Context) error {
	var body FollowUpRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON body")
	}

	if err := h.sessions.SendFollowUp(c.Request().Context(), body.Text); err != nil {
		return followUpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"session_id": h.sessions.SessionID(),
	})
}

func (h *SessionHandler) EndSession(c echo.Context) error {
	h.sessions.EndSession()
	return c.NoContent(http.StatusNoContent)
}

// StreamAudio transcribes a spoken follow-up while it is being uploaded and
// publishes the text for the session to pick up.
func (h *SessionHandler) StreamAudio(c echo.Context) error {
	if h.transcriber == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "Speech recognition is disabled")
	}

	contentType := c.Request().Header.Get(echo.HeaderContentType)
	if !strings.HasPrefix(contentType, "audio/") && !strings.HasPrefix(contentType, echo.MIMEOctetStream) {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid content type. Expected audio/* or application/octet-stream")
	}

	sessionID := h.sessions.SessionID()
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusNotFound, usecase.ErrNoSession.Error())
	}

	startTime := time.Now()
	userID, _ := c.Get("user_id").(int)
	deviceID, _ := c.Get("device_id").(string)
	logger := log.WithCtx(log.WithSessionID(c.Request().Context(), sessionID))

	ctx, cancel := context.WithTimeout(c.Request().Context(), MaxAudioDuration+10*time.Second)
	defer cancel()

	audioChunkChan := make(chan []byte, 100)

	type transcriptionResult struct {
		text string
		err  error
	}
	resultChan := make(chan transcriptionResult, 1)
	go func() {
		text, err := h.transcriber.TranscribeStreaming(ctx, audioChunkChan)
		resultChan <- transcriptionResult{text, err}
	}()

	// The body may only be read while the handler runs: the reader is stopped
	// and waited for on every return path.
	readCtx, stopReading := context.WithCancel(ctx)
	readerDone := make(chan struct{})
	defer func() {
		stopReading()
		// unblock a Read waiting on a client that is still sending
		_ = http.NewResponseController(c.Response()).SetReadDeadline(time.Now())
		<-readerDone
	}()

	go func() {
		defer close(readerDone)
		defer close(audioChunkChan)
		body := c.Request().Body
		for {
			chunk := make([]byte, audioChunkSize)
			n, err := body.Read(chunk)
			if n > 0 {
				select {
				case audioChunkChan <- chunk[:n]:
				case <-readCtx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF && readCtx.Err() == nil {
					logger.Warn("Error reading audio chunk", zap.Error(err))
				}
				return
			}
			if readCtx.Err() != nil {
				return
			}
			if time.Since(startTime) > MaxAudioDuration {
				logger.Info("Audio stream exceeded max duration")
				return
			}
		}
	}()

	var result transcriptionResult
	select {
	case result = <-resultChan:
	case <-ctx.Done():
		return echo.NewHTTPError(http.StatusRequestTimeout, "Transcription timeout")
	}

	msg := domain.TranscriptionMessage{
		SessionID: sessionID,
		UserID:    userID,
		DeviceID:  deviceID,
		Text:      result.text,
		Success:   result.err == nil,
		Timestamp: startTime,
	}
	if result.err != nil {
		msg.Error = result.err.Error()
		logger.Warn("Streaming transcription failed", zap.Error(result.err))
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Error marshaling transcription message", zap.Error(err))
	} else if err := h.messageBroker.Publish(ctx, domain.TranscriptionTopic, "", payload); err != nil {
		logger.Error("Error publishing transcription result", zap.Error(err))
	}

	if result.err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "Failed to transcribe audio")
	}

	logger.Info("Spoken follow-up transcribed", zap.Duration("took", time.Since(startTime)))
	return c.JSON(http.StatusOK, StreamAudioResponse{
		Success:   true,
		Message:   "Audio processed successfully",
		SessionID: sessionID,
		Text:      result.text,
	})
}

// HealthCheck reports the daemon status and whether the inference server answers.
func (h *SessionHandler) HealthCheck(c echo.Context) error {
	inference := "unknown"
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		if err := h.health.Health(ctx); err != nil {
			inference = err.Error()
		} else {
			inference = "ok"
		}
	}
	body := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "llama-lens",
		"inference": inference,
		"session":   h.sessions.SessionID(),
	}
	if q, ok := h.messageBroker.(pendingCounter); ok {
		body["pending_follow_ups"] = q.Pending(domain.TranscriptionTopic, "")
	}
	return c.JSON(http.StatusOK, body)
}

func followUpError(err error) error {
	switch {
	case errors.Is(err, usecase.ErrNoSession):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, usecase.ErrEmptyMessage):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to send follow-up")
	}
}

func regionFromHeaders(header http.Header) (domain.Region, error) {
	var region domain.Region
	fields := []struct {
		name string
		dst  *int
	}{
		{HeaderRegionLeft, &region.Left},
		{HeaderRegionTop, &region.Top},
		{HeaderRegionWidth, &region.Width},
		{HeaderRegionHeight, &region.Height},
	}
	for _, f := range fields {
		v := header.Get(f.name)
		if v == "" && (f.name == HeaderRegionLeft || f.name == HeaderRegionTop) {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return region, fmt.Errorf("invalid %s header", f.name)
		}
		*f.dst = n
	}
	return region, nil
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
