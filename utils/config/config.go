// Package config reads the daemon settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultHost          = "localhost"
	DefaultPort          = 8080
	DefaultTimeout       = 180 // seconds; CPU inference can take minutes
	MinTimeout           = 10
	MaxTimeout           = 3600
	DefaultGeminiModel   = "gemini-2.0-flash-001"
	DefaultListenAddr    = "127.0.0.1:8765"
	DefaultFlushWords    = 10
	DefaultLanguage      = "en-US"
	CompletionPath       = "completion"
	BackendLlamaCpp      = "llamacpp"
	BackendGemini        = "gemini"
	SpeechOutputHost     = "host"
	SpeechOutputGoogle   = "google"
	FailurePolicyNotify  = "notify"
	FailurePolicySilent  = "silent"
	defaultDebugLogLevel = "false"
)

var (
	ErrInvalidPort    = errors.New("port must be an integer in [0, 65535]")
	ErrInvalidTimeout = fmt.Errorf("timeout must be an integer number of seconds in [%d, %d]", MinTimeout, MaxTimeout)
)

type Config struct {
	// Host and Port locate the llama.cpp server unless URL is set.
	Host string
	Port int
	// URL is the alternative base URL form, e.g. http://localhost:8080/.
	URL     string
	Timeout time.Duration

	Backend     string
	GeminiModel string

	SpeechOutput  string
	TTSLanguage   string
	STTEnabled    bool
	STTLanguage   string
	FailurePolicy string
	FlushWords    int

	ListenAddr string
	JWTSecret  string
	APIKey     string
	APISecret  string
	Debug      bool
}

// Load reads the configuration from environment variables. Call gotenv.Load
// first to pick up a .env file.
func Load() (*Config, error) {
	c := &Config{
		Host:          getenv("LLAMA_HOST", DefaultHost),
		URL:           strings.TrimSpace(os.Getenv("LLAMA_URL")),
		Backend:       strings.ToLower(getenv("LLM_BACKEND", BackendLlamaCpp)),
		GeminiModel:   getenv("GEMINI_MODEL", DefaultGeminiModel),
		SpeechOutput:  strings.ToLower(getenv("SPEECH_OUTPUT", SpeechOutputHost)),
		TTSLanguage:   getenv("TTS_LANGUAGE", DefaultLanguage),
		STTLanguage:   getenv("STT_LANGUAGE", DefaultLanguage),
		FailurePolicy: strings.ToLower(getenv("FAILURE_POLICY", FailurePolicyNotify)),
		ListenAddr:    getenv("LISTEN_ADDR", DefaultListenAddr),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		APIKey:        os.Getenv("API_KEY"),
		APISecret:     os.Getenv("API_SECRET"),
		Debug:         getenv("DEBUG", defaultDebugLogLevel) == "true",
		STTEnabled:    getenv("STT_ENABLED", "false") == "true",
	}

	port, err := strconv.Atoi(getenv("LLAMA_PORT", strconv.Itoa(DefaultPort)))
	if err != nil {
		return nil, fmt.Errorf("LLAMA_PORT: %w", ErrInvalidPort)
	}
	c.Port = port

	timeout, err := strconv.Atoi(getenv("LLAMA_TIMEOUT", strconv.Itoa(DefaultTimeout)))
	if err != nil {
		return nil, fmt.Errorf("LLAMA_TIMEOUT: %w", ErrInvalidTimeout)
	}
	c.Timeout = time.Duration(timeout) * time.Second

	flush, err := strconv.Atoi(getenv("SPEECH_FLUSH_WORDS", strconv.Itoa(DefaultFlushWords)))
	if err != nil {
		return nil, fmt.Errorf("SPEECH_FLUSH_WORDS: %w", err)
	}
	c.FlushWords = flush

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.URL == "" && strings.TrimSpace(c.Host) == "" {
		return errors.New("missing LLAMA_HOST")
	}
	if c.Port < 0 || c.Port > 65535 {
		return ErrInvalidPort
	}
	secs := int(c.Timeout / time.Second)
	if secs < MinTimeout || secs > MaxTimeout {
		return ErrInvalidTimeout
	}
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid LLAMA_URL %q", c.URL)
		}
	}
	switch c.Backend {
	case BackendLlamaCpp, BackendGemini:
	default:
		return fmt.Errorf("unknown LLM_BACKEND %q", c.Backend)
	}
	switch c.SpeechOutput {
	case SpeechOutputHost, SpeechOutputGoogle:
	default:
		return fmt.Errorf("unknown SPEECH_OUTPUT %q", c.SpeechOutput)
	}
	switch c.FailurePolicy {
	case FailurePolicyNotify, FailurePolicySilent:
	default:
		return fmt.Errorf("unknown FAILURE_POLICY %q", c.FailurePolicy)
	}
	if c.FlushWords < 1 {
		return errors.New("SPEECH_FLUSH_WORDS must be at least 1")
	}
	return nil
}

// CompletionURL returns the endpoint completion requests are posted to.
func (c *Config) CompletionURL() (string, error) {
	if c.URL != "" {
		return url.JoinPath(c.URL, CompletionPath)
	}
	u := url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + CompletionPath,
	}
	return u.String(), nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
