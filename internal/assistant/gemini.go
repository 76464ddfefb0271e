package assistant

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/flowmerce/flowmerce/internal/config"
)

// GeminiClient streams from Google's Gemini API.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a Gemini client. cfg.BaseURL, when set, overrides
// the API endpoint.
func NewGeminiClient(ctx context.Context, cfg config.AssistantConfig, hc *http.Client) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: hc,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiClient{client: client, model: model}, nil
}

func (c *GeminiClient) Stream(ctx context.Context, msgs []Message, fn func(string) error) error {
	var (
		contents []*genai.Content
		gcfg     = &genai.GenerateContentConfig{}
	)
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			gcfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, contents, gcfg) {
		if err != nil {
			return fmt.Errorf("gemini: %w", err)
		}
		if delta := resp.Text(); delta != "" {
			if err := fn(delta); err != nil {
				return err
			}
		}
	}
	return nil
}
