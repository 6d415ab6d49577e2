package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/threadline/threadline/internal/common/logger"
)

const deltaBuffer = 64

// OpenAIConfig configures the OpenAI-compatible provider. BaseURL is
// optional and supports any API-compatible gateway.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAIProvider streams completions from an OpenAI-compatible endpoint.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	log    *logger.Logger
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider builds a provider from cfg.
func NewOpenAIProvider(cfg OpenAIConfig, log *logger.Logger) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: api key required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model required")
	}
	if log == nil {
		log = logger.Default()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		log:    log,
	}, nil
}

// StreamChat opens a completion stream and forwards content deltas.
func (p *OpenAIProvider) StreamChat(ctx context.Context, req Request) (<-chan Delta, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("llm: empty message list")
	}
	model := req.Model
	if model == "" {
		model = p.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: ClampTemperature(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: failed to open stream: %w", err)
	}

	out := make(chan Delta, deltaBuffer)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out <- Delta{Done: true}
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				out <- Delta{Done: true, Err: err}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			content := resp.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			select {
			case out <- Delta{Content: content}:
			case <-ctx.Done():
				// Consumer is gone; drop the terminal delta rather than block.
				select {
				case out <- Delta{Done: true, Err: ctx.Err()}:
				default:
				}
				return
			}
		}
	}()
	return out, nil
}

// IsRateLimited reports whether err is an upstream HTTP 429.
func IsRateLimited(err error) bool {
	var apiErr *openai.APIError
	return errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429
}

// IsRetryable reports whether a failed call is worth retrying: rate limits
// and upstream 5xx responses.
func IsRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	return false
}
