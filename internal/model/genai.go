package model

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const DefaultGenAIModel = "gemini-2.5-flash"

// GenAI completes conversations with Google's Gemini API.
type GenAI struct {
	client *genai.Client
	model  string
	// Temperature is passed through when non-nil.
	Temperature *float32
}

// NewGenAI creates a client for the given model; an empty model uses DefaultGenAIModel.
func NewGenAI(ctx context.Context, apiKey, model string) (*GenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = DefaultGenAIModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAI{client: client, model: model}, nil
}

func (g *GenAI) Model() string { return g.model }

func (g *GenAI) Complete(ctx context.Context, messages []Message) (Response, error) {
	system, contents := toContents(messages)
	cfg := &genai.GenerateContentConfig{Temperature: g.Temperature}
	if system != nil {
		cfg.SystemInstruction = system
	}
	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return Response{}, fmt.Errorf("genai generate: %w", err)
	}
	out := Response{
		Content: resp.Text(),
		Usage:   Usage{Latency: time.Since(start), Model: g.model},
	}
	if resp.ModelVersion != "" {
		out.Usage.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage.PromptTokens = int(u.PromptTokenCount)
		out.Usage.CompletionTokens = int(u.CandidatesTokenCount)
		out.Usage.TotalTokens = int(u.TotalTokenCount)
	}
	return out, nil
}

// toContents splits system messages into one system instruction and maps the rest to
// user and model turns.
func toContents(messages []Message) (*genai.Content, []*genai.Content) {
	var system []string
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) == 0 {
		return nil, contents
	}
	return genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser), contents
}
