package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/TobiSchelling/autopress/internal/config"
)

// Request is a single structured generation request.
type Request struct {
	Prompt string
	// SchemaName labels Schema for backends that require a name.
	SchemaName string
	// Schema is a JSON schema the response must conform to. Nil asks for
	// free-form text.
	Schema    map[string]any
	MaxTokens int
}

// Provider is the interface for text generation backends.
type Provider interface {
	Generate(ctx context.Context, req Request) (string, error)
	Name() string
}

// StatusError is returned when a backend answers with a non-200 status.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API returned %d: %s", e.Provider, e.Code, e.Body)
}

// Options holds transport settings shared by all providers.
type Options struct {
	Timeout           time.Duration
	RequestsPerMinute int
}

func (o Options) client() *http.Client {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// limiter allows RequestsPerMinute calls with a burst of one. Zero or
// negative means unlimited.
func (o Options) limiter() *rate.Limiter {
	if o.RequestsPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(o.RequestsPerMinute)/60.0), 1)
}

// OllamaProvider is a local Ollama backend.
type OllamaProvider struct {
	Model   string
	BaseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(model, baseURL string, opts Options) *OllamaProvider {
	return &OllamaProvider{
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  opts.client(),
		limiter: opts.limiter(),
	}
}

func (o *OllamaProvider) Name() string { return "ollama" }

// IsConfigured checks if Ollama is running and the model is available.
func (o *OllamaProvider) IsConfigured(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", o.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false
	}

	modelBase := strings.SplitN(o.Model, ":", 2)[0]
	for _, m := range result.Models {
		if strings.Contains(m.Name, modelBase) {
			return true
		}
	}
	return false
}

// Generate sends a prompt to Ollama and returns the message content.
func (o *OllamaProvider) Generate(ctx context.Context, r Request) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for rate limiter: %w", err)
	}

	body := map[string]any{
		"model": o.Model,
		"messages": []map[string]string{
			{"role": "user", "content": r.Prompt},
		},
		"stream": false,
		"options": map[string]any{
			"num_predict": r.MaxTokens,
			"temperature": 0.7,
		},
	}
	if r.Schema != nil {
		body["format"] = r.Schema
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := postJSON(ctx, o.client, o.Name(), o.BaseURL+"/api/chat", "", body, &result); err != nil {
		return "", err
	}
	return result.Message.Content, nil
}

// OpenAIProvider is an OpenAI-compatible chat completions backend.
type OpenAIProvider struct {
	Model   string
	APIKey  string
	URL     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(model, url, apiKey string, opts Options) *OpenAIProvider {
	return &OpenAIProvider{
		Model:   model,
		APIKey:  apiKey,
		URL:     url,
		client:  opts.client(),
		limiter: opts.limiter(),
	}
}

func (o *OpenAIProvider) Name() string { return "openai" }

// IsConfigured checks if the API key is set.
func (o *OpenAIProvider) IsConfigured() bool {
	return o.APIKey != ""
}

// Generate sends a prompt to OpenAI and returns the first choice's content.
// A request schema is sent as a strict json_schema response format.
func (o *OpenAIProvider) Generate(ctx context.Context, r Request) (string, error) {
	if o.APIKey == "" {
		return "", &StatusError{Provider: o.Name(), Code: http.StatusUnauthorized, Body: "API key not configured"}
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for rate limiter: %w", err)
	}

	body := map[string]any{
		"model": o.Model,
		"messages": []map[string]string{
			{"role": "user", "content": r.Prompt},
		},
		"max_tokens":  r.MaxTokens,
		"temperature": 0.7,
	}
	if r.Schema != nil {
		name := r.SchemaName
		if name == "" {
			name = "response"
		}
		body["response_format"] = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   name,
				"strict": true,
				"schema": r.Schema,
			},
		}
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
				Refusal string `json:"refusal"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := postJSON(ctx, o.client, o.Name(), o.URL, o.APIKey, body, &result); err != nil {
		return "", err
	}

	if len(result.Choices) == 0 {
		return "", nil
	}
	if msg := result.Choices[0].Message; msg.Content == "" && msg.Refusal != "" {
		return "", fmt.Errorf("OpenAI refused: %s", msg.Refusal)
	}
	return result.Choices[0].Message.Content, nil
}

// postJSON posts body as JSON and decodes a 200 response into out.
func postJSON(ctx context.Context, client *http.Client, provider, url, bearer string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s API error: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Provider: provider, Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// CreateProvider creates a backend from configuration. An Ollama provider
// that is not reachable falls back to OpenAI when an API key is present.
func CreateProvider(ctx context.Context, cfg config.Generation, apiKey string, logger *zap.Logger) (Provider, error) {
	opts := Options{Timeout: cfg.Timeout, RequestsPerMinute: cfg.RequestsPerMinute}

	if strings.ToLower(cfg.Provider) == "ollama" {
		p := NewOllamaProvider(cfg.Model, cfg.OllamaURL, opts)
		if p.IsConfigured(ctx) {
			logger.Info("using Ollama", zap.String("model", cfg.Model))
			return p, nil
		}
		logger.Warn("Ollama not available, trying OpenAI fallback", zap.String("url", cfg.OllamaURL))
	}

	p := NewOpenAIProvider(cfg.OpenAIModel, cfg.OpenAIURL, apiKey, opts)
	if p.IsConfigured() {
		logger.Info("using OpenAI", zap.String("model", cfg.OpenAIModel))
		return p, nil
	}

	return nil, fmt.Errorf("no generation backend available: start Ollama or set %s", cfg.APIKeyEnv)
}
