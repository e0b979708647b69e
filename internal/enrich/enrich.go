// Package enrich calls the content enrichment service: an OpenAI-compatible
// chat-completions endpoint for profile generation and training, and a text
// extraction endpoint for uploaded files.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/chadiek/live-demo/internal/store"
)

var (
	ErrNotConfigured = errors.New("enrich: not configured")
	// ErrUpstream wraps failures reported by the enrichment service.
	ErrUpstream    = errors.New("enrich: upstream error")
	ErrNoKnowledge = errors.New("enrich: no knowledge attached")
)

const knowledgeExcerpt = 2000

type Client struct {
	HTTPClient *http.Client
	ChatURL    string
	APIKey     string
	Model      string
	ExtractURL string
}

// NewClient returns a Client with a bounded HTTP timeout.
func NewClient(chatURL, apiKey, model, extractURL string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		ChatURL:    chatURL,
		APIKey:     apiKey,
		Model:      model,
		ExtractURL: extractURL,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      chatMessage `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type GenerateRequest struct {
	Prompt string `json:"prompt"`
	Type   string `json:"type"`
	Role   string `json:"role"`
}

// Generate rewrites a rough description into a polished agent profile.
func (c *Client) Generate(ctx context.Context, r GenerateRequest) (string, error) {
	user := fmt.Sprintf(`Please rewrite and expand the following description for a professional conversational agent.

Role: %s (%s)
Context/Goal: %s

Output a polished, professional description paragraph.`, r.Role, r.Type, r.Prompt)
	return c.complete(ctx, []chatMessage{
		{Role: "system", Content: "You are a helpful assistant that writes professional profiles."},
		{Role: "user", Content: user},
	}, 0.7, 800)
}

type TrainResult struct {
	Summary      string `json:"summary"`
	SystemPrompt string `json:"systemPrompt"`
}

// Train summarises the agent's knowledge and builds its system prompt.
func (c *Client) Train(ctx context.Context, a store.Agent, docs []store.Document) (TrainResult, error) {
	if len(docs) == 0 {
		return TrainResult{}, ErrNoKnowledge
	}
	user := fmt.Sprintf(`Please analyze the following knowledge base materials attached to this agent.

%s

1. Confirm the topics covered.
2. Provide a 1-sentence summary of what the agent is now trained on.`, knowledgeContext(docs))
	summary, err := c.complete(ctx, []chatMessage{
		{Role: "system", Content: "You are an AI Training Supervisor. Analyze the provided knowledge documents and confirm the agent configuration."},
		{Role: "user", Content: user},
	}, 0.3, 200)
	if err != nil {
		return TrainResult{}, err
	}
	return TrainResult{Summary: summary, SystemPrompt: systemPrompt(a, summary)}, nil
}

func knowledgeContext(docs []store.Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		content := d.Content
		if len(content) > knowledgeExcerpt {
			content = content[:knowledgeExcerpt] + "..."
		}
		parts = append(parts, fmt.Sprintf("Source: %s (%s)\nContent: %s", d.Title, d.Type, content))
	}
	return strings.Join(parts, "\n\n")
}

func systemPrompt(a store.Agent, summary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s (%s).", a.Name, a.Role, a.Type)
	if a.Description != "" {
		b.WriteString(" " + a.Description)
	}
	b.WriteString("\nKnowledge: " + summary)
	b.WriteString("\nAnswer clearly and briefly; you are speaking, not writing.")
	return b.String()
}

func (c *Client) complete(ctx context.Context, messages []chatMessage, temperature float64, maxTokens int) (string, error) {
	if c.ChatURL == "" || c.APIKey == "" {
		return "", ErrNotConfigured
	}
	reqBody, err := json.Marshal(chatCompletionsRequest{Model: c.Model, Messages: messages, Temperature: temperature, MaxTokens: maxTokens})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ChatURL, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: status=%d body=%s", ErrUpstream, resp.StatusCode, string(b))
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrUpstream, err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", ErrUpstream)
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}

type extractResponse struct {
	Text string `json:"text"`
}

// Extract returns the text of an uploaded file. Plain text passes through
// without a round trip.
func (c *Client) Extract(ctx context.Context, name, contentType string, data []byte) (string, error) {
	if isPlainText(contentType) {
		return string(data), nil
	}
	if c.ExtractURL == "" {
		return "", ErrNotConfigured
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ExtractURL, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: extract status=%d body=%s", ErrUpstream, resp.StatusCode, string(b))
	}
	var er extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrUpstream, err)
	}
	return strings.TrimSpace(er.Text), nil
}

func isPlainText(contentType string) bool {
	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(ct)
	return strings.HasPrefix(ct, "text/") || ct == "application/json" || ct == "application/x-ndjson"
}
