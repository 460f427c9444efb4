package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrPersonalizerNotConfigured indicates no text-generation backend is set;
// callers fall back to the campaign's default body.
var ErrPersonalizerNotConfigured = errors.New("personalizer not configured")

// Personalizer is the opaque, possibly-slow, possibly-failing text
// generation collaborator. Any failure must fall back to the campaign's
// default body.
type Personalizer interface {
	Generate(ctx context.Context, prompt string, fields map[string]string) (string, error)
}

// HTTPPersonalizer calls an OpenAI-compatible chat completion endpoint
type HTTPPersonalizer struct {
	BaseURL    string
	APIKey     string
	Model      string
	httpClient *http.Client
}

func NewHTTPPersonalizer(baseURL, apiKey, model string) *HTTPPersonalizer {
	return &HTTPPersonalizer{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate renders the prompt with the recipient attributes appended and
// returns the generated text
func (p *HTTPPersonalizer) Generate(ctx context.Context, prompt string, fields map[string]string) (string, error) {
	if p.APIKey == "" || p.BaseURL == "" {
		return "", ErrPersonalizerNotConfigured
	}

	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\nRecipient attributes:\n")
	for k, v := range fields {
		if v == "" {
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s\n", k, v)
	}

	body, err := json.Marshal(chatRequest{
		Model: p.Model,
		Messages: []chatMessage{
			{Role: "user", Content: sb.String()},
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("personalization call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("personalization call returned %d: %s", resp.StatusCode, string(b))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("invalid personalization response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", errors.New("empty personalization response")
	}

	return parsed.Choices[0].Message.Content, nil
}
