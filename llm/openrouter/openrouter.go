// Package openrouter adapts the OpenAI-compatible OpenRouter gateway to
// llm.Generator. Any model name OpenRouter accepts can be passed through.
package openrouter

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultBaseURL is the OpenRouter API endpoint.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// Client calls OpenRouter's chat completion API.
type Client struct {
	api *openai.Client
}

// New builds a client against DefaultBaseURL.
func New(apiKey string) *Client {
	return NewWithBaseURL(apiKey, DefaultBaseURL)
}

// NewWithBaseURL builds a client against any OpenAI-compatible endpoint.
func NewWithBaseURL(apiKey, baseURL string) *Client {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL
	return &Client{api: openai.NewClientWithConfig(config)}
}

// Generate runs a single-turn text completion.
func (c *Client) Generate(ctx context.Context, model, prompt string, temperature float64) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Temperature: float32(temperature),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openrouter completion: %w", err)
	}
	return firstChoice(resp)
}

// Describe runs a single-turn completion with text plus one PNG image,
// delivered as a data URL.
func (c *Client) Describe(ctx context.Context, model, text string, imagePNG []byte) (string, error) {
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(imagePNG)
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Temperature: 0.1,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: text},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: dataURL},
					},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openrouter image completion: %w", err)
	}
	return firstChoice(resp)
}

func firstChoice(resp openai.ChatCompletionResponse) (string, error) {
	if len(resp.Choices) == 0 {
		return "", errors.New("openrouter: response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
