// Package anthropic adapts the Anthropic Messages API to llm.Generator.
package anthropic

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultMaxTokens bounds every completion.
const DefaultMaxTokens = 4096

// Client calls the Anthropic Messages API.
type Client struct {
	api anthropicsdk.Client
}

// New builds a client authenticated with apiKey.
func New(apiKey string) *Client {
	return &Client{api: anthropicsdk.NewClient(option.WithAPIKey(apiKey))}
}

// Generate runs a single-turn text completion.
func (c *Client) Generate(ctx context.Context, model, prompt string, temperature float64) (string, error) {
	msg := anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(prompt))
	return c.complete(ctx, model, temperature, msg)
}

// Describe runs a single-turn completion with text plus one PNG image.
func (c *Client) Describe(ctx context.Context, model, text string, imagePNG []byte) (string, error) {
	msg := anthropicsdk.NewUserMessage(
		anthropicsdk.NewImageBlockBase64("image/png", base64.StdEncoding.EncodeToString(imagePNG)),
		anthropicsdk.NewTextBlock(text),
	)
	return c.complete(ctx, model, 0.1, msg)
}

func (c *Client) complete(ctx context.Context, model string, temp float64, msgs ...anthropicsdk.MessageParam) (string, error) {
	resp, err := c.api.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:       anthropicsdk.Model(model),
		MaxTokens:   DefaultMaxTokens,
		Temperature: anthropicsdk.Float(temp),
		Messages:    msgs,
	})
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}
