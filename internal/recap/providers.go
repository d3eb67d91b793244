package recap

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// Prompt is a single-turn request: a system instruction and the user content.
type Prompt struct {
	System string
	User   string
}

type Completer interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

// ParseModel splits "provider/model" into its parts.
func ParseModel(spec string) (provider, model string, err error) {
	parts := strings.SplitN(strings.TrimSpace(spec), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model %q: expected provider/model", spec)
	}
	return parts[0], parts[1], nil
}

// NewCompleter builds the provider client named by spec. baseURL overrides
// the provider endpoint when non-empty.
func NewCompleter(spec, apiKey, baseURL string) (Completer, error) {
	provider, model, err := ParseModel(spec)
	if err != nil {
		return nil, err
	}

	switch provider {
	case "openai":
		return newOpenAICompleter(apiKey, model, baseURL), nil
	case "anthropic":
		return newAnthropicCompleter(apiKey, model, baseURL), nil
	case "gemini":
		return newGeminiCompleter(apiKey, model, baseURL)
	default:
		return nil, fmt.Errorf("unknown recap provider %q: use openai, anthropic or gemini", provider)
	}
}

type openAICompleter struct {
	client *openai.Client
	model  string
}

func newOpenAICompleter(apiKey, model, baseURL string) *openAICompleter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &openAICompleter{client: openai.NewClientWithConfig(cfg), model: model}
}

func (c *openAICompleter) Complete(ctx context.Context, prompt Prompt) (string, error) {
	var msgs []openai.ChatCompletionMessage
	if prompt.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: prompt.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt.User})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{Model: c.model, Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("openai recap: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai recap: no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

type anthropicCompleter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func newAnthropicCompleter(apiKey, model, baseURL string) *anthropicCompleter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &anthropicCompleter{client: anthropic.NewClient(opts...), model: model, maxTokens: 1024}
}

func (c *anthropicCompleter) Complete(ctx context.Context, prompt Prompt) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.User))},
	}
	if prompt.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: prompt.System}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic recap: %w", err)
	}

	var b strings.Builder
	for i := range resp.Content {
		if resp.Content[i].Type == "text" {
			b.WriteString(resp.Content[i].Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("anthropic recap: empty response")
	}
	return text, nil
}

type geminiCompleter struct {
	client *genai.Client
	model  string
}

func newGeminiCompleter(apiKey, model, baseURL string) (*geminiCompleter, error) {
	cfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if baseURL != "" {
		cfg.HTTPOptions.BaseURL = baseURL
	}
	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &geminiCompleter{client: client, model: model}, nil
}

func (c *geminiCompleter) Complete(ctx context.Context, prompt Prompt) (string, error) {
	if strings.TrimSpace(prompt.User) == "" {
		return "", fmt.Errorf("gemini recap: empty prompt")
	}

	var cfg *genai.GenerateContentConfig
	if prompt.System != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: prompt.System}}},
		}
	}
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: prompt.User}}}}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini recap: %w", err)
	}
	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", fmt.Errorf("gemini recap: empty response")
	}
	return text, nil
}
