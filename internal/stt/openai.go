package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "whisper-1"
	defaultHTTPTimeout   = 60 * time.Second
)

// OpenAIConfig captures the settings for an OpenAI-compatible transcription endpoint.
type OpenAIConfig struct {
	BaseURL  string
	APIKey   string
	Model    string
	Language string
	Timeout  time.Duration
}

// OpenAI calls POST {base}/audio/transcriptions with response_format=text.
type OpenAI struct {
	cfg        OpenAIConfig
	httpClient *http.Client
}

// Option customizes the OpenAI client.
type Option func(*OpenAI)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *OpenAI) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// NewOpenAI constructs the primary STT provider.
func NewOpenAI(cfg OpenAIConfig, opts ...Option) *OpenAI {
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	o := &OpenAI{cfg: cfg, httpClient: &http.Client{Timeout: timeout}}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Name implements Provider.
func (o *OpenAI) Name() string { return "openai:" + o.cfg.Model }

// Transcribe implements Provider.
func (o *OpenAI) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if strings.TrimSpace(o.cfg.APIKey) == "" {
		return "", Terminal(o.Name(), errors.New("api key required"))
	}

	body, contentType, err := o.buildForm(audioPath)
	if err != nil {
		return "", Terminal(o.Name(), err)
	}

	endpoint, err := url.JoinPath(o.cfg.BaseURL, "audio", "transcriptions")
	if err != nil {
		return "", Terminal(o.Name(), fmt.Errorf("build url: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", Terminal(o.Name(), fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", Retryable(o.Name(), fmt.Errorf("http error: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Retryable(o.Name(), fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		statusErr := fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		if retryableStatus(resp.StatusCode) {
			return "", Retryable(o.Name(), statusErr)
		}
		return "", Terminal(o.Name(), statusErr)
	}

	return strings.TrimSpace(string(data)), nil
}

func (o *OpenAI) buildForm(audioPath string) (io.Reader, string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("copy audio: %w", err)
	}

	fields := [][2]string{
		{"model", o.cfg.Model},
		{"response_format", "text"},
	}
	if o.cfg.Language != "" {
		fields = append(fields, [2]string{"language", o.cfg.Language})
	}
	for _, field := range fields {
		if err := w.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", field[0], err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}
