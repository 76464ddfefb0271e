package assistant

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/flowmerce/flowmerce/internal/config"
)

// ErrIncomplete reports a stream that ended without its completion marker.
var ErrIncomplete = errors.New("stream ended before completion")

// Client streams a chat completion. fn receives each text delta in order; an
// error from fn stops the stream and is returned.
type Client interface {
	Stream(ctx context.Context, msgs []Message, fn func(delta string) error) error
}

// NewClient builds the client for cfg.Provider. A nil hc uses a client with
// cfg.Timeout.
func NewClient(ctx context.Context, cfg config.AssistantConfig, hc *http.Client) (Client, error) {
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout.Duration}
	}
	switch cfg.Provider {
	case "", "ollama":
		return &OllamaClient{baseURL: strings.TrimRight(cfg.BaseURL, "/"), model: cfg.Model, http: hc}, nil
	case "openai":
		return &OpenAIClient{baseURL: strings.TrimRight(cfg.BaseURL, "/"), model: cfg.Model, apiKey: cfg.APIKey, http: hc}, nil
	case "gemini":
		return NewGeminiClient(ctx, cfg, hc)
	default:
		return nil, fmt.Errorf("unknown assistant provider %q", cfg.Provider)
	}
}

// OllamaClient talks to a local Ollama server.
type OllamaClient struct {
	baseURL string
	model   string
	http    *http.Client
}

// Stream posts to /api/chat and reads the NDJSON response.
func (c *OllamaClient) Stream(ctx context.Context, msgs []Message, fn func(string) error) error {
	resp, err := postJSON(ctx, c.http, c.baseURL+"/api/chat", "", map[string]any{
		"model":    c.model,
		"messages": msgs,
		"stream":   true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			return fmt.Errorf("ollama: malformed chunk")
		}
		if msg := gjson.GetBytes(line, "error"); msg.Exists() {
			return fmt.Errorf("ollama: %s", msg.String())
		}
		if delta := gjson.GetBytes(line, "message.content").String(); delta != "" {
			if err := fn(delta); err != nil {
				return err
			}
		}
		if gjson.GetBytes(line, "done").Bool() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ollama: read stream: %w", err)
	}
	return fmt.Errorf("ollama: %w", ErrIncomplete)
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL string
	model   string
	apiKey  string
	http    *http.Client
}

// Stream posts to /v1/chat/completions and reads the SSE response.
func (c *OpenAIClient) Stream(ctx context.Context, msgs []Message, fn func(string) error) error {
	resp, err := postJSON(ctx, c.http, c.baseURL+"/v1/chat/completions", c.apiKey, map[string]any{
		"model":    c.model,
		"messages": msgs,
		"stream":   true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}
		if msg := gjson.Get(data, "error.message"); msg.Exists() {
			return fmt.Errorf("openai: %s", msg.String())
		}
		if delta := gjson.Get(data, "choices.0.delta.content").String(); delta != "" {
			if err := fn(delta); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("openai: read stream: %w", err)
	}
	return fmt.Errorf("openai: %w", ErrIncomplete)
}

func postJSON(ctx context.Context, hc *http.Client, url, bearer string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := gjson.GetBytes(raw, "error.message").String()
		if msg == "" {
			msg = gjson.GetBytes(raw, "error").String()
		}
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, msg)
	}
	return resp, nil
}
