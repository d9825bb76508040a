// Package provider implements the kernel's stream provider on top of
// OpenAI-compatible chat completion APIs.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/halcyonsky/murmur/conversation"
	"github.com/halcyonsky/murmur/stream"
)

// Config selects the upstream API and model.
type Config struct {
	Provider     string // "openai", "openrouter", "deepseek", "ollama", or any compatible endpoint
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxTokens    int     // default: 2048
	Temperature  float32 // default: 0.7
	Timeout      int     // Request timeout in seconds (default: 120)
}

// OpenAIProvider streams chat completions from an OpenAI-compatible API.
type OpenAIProvider struct {
	client       *openai.Client
	model        string
	systemPrompt string
	maxTokens    int
	temperature  float32
	logger       *slog.Logger
}

// NewOpenAI creates a provider for the configured endpoint.
func NewOpenAI(cfg Config) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("provider: model is required")
	}

	httpClient := newHTTPClient(cfg.Timeout)
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.HTTPClient = httpClient

	switch cfg.Provider {
	case "openrouter":
		clientConfig.BaseURL = withDefault(cfg.BaseURL, "https://openrouter.ai/api/v1")
	case "deepseek":
		clientConfig.BaseURL = withDefault(cfg.BaseURL, "https://api.deepseek.com")
	case "ollama":
		clientConfig.BaseURL = withDefault(cfg.BaseURL, "http://localhost:11434/v1")
	default:
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.7
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    maxTokens,
		temperature:  temperature,
		logger:       slog.Default().With("component", "provider"),
	}, nil
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func newHTTPClient(timeoutSec int) *http.Client {
	if timeoutSec <= 0 {
		timeoutSec = 120
	}
	return &http.Client{
		Timeout: time.Duration(timeoutSec) * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          10,
		},
	}
}

// Stream starts one streaming chat completion. All three channels close when
// the stream ends; ctx cancellation aborts the upstream call.
func (p *OpenAIProvider) Stream(ctx context.Context, input string, history []*conversation.Ctx) (<-chan stream.Chunk, <-chan *conversation.TurnStats, <-chan error) {
	chunkChan := make(chan stream.Chunk, 10)
	statsChan := make(chan *conversation.TurnStats, 1)
	errChan := make(chan error, 1)

	go func() {
		defer close(chunkChan)
		defer close(statsChan)
		defer close(errChan)

		ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()

		req := openai.ChatCompletionRequest{
			Model:         p.model,
			MaxTokens:     p.maxTokens,
			Temperature:   p.temperature,
			Messages:      p.buildMessages(input, history),
			StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		}

		startTime := time.Now()
		var firstChunkTime time.Time

		p.logger.Debug("chat stream starting", "model", p.model, "history", len(history))
		s, err := p.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			p.logger.Error("chat stream failed to create", "error", err)
			select {
			case errChan <- fmt.Errorf("create stream failed: %w", err):
			case <-ctx.Done():
			}
			return
		}
		defer func() { _ = s.Close() }()

		chunkCount := 0
		for {
			response, err := s.Recv()
			if err != nil {
				if strings.Contains(err.Error(), "EOF") {
					statsChan <- p.finishStats(nil, startTime, firstChunkTime)
					p.logger.Debug("chat stream completed", "chunks", chunkCount, "duration_ms", time.Since(startTime).Milliseconds())
					return
				}
				p.logger.Error("chat stream receive error", "error", err, "chunks_so_far", chunkCount)
				select {
				case errChan <- fmt.Errorf("stream recv failed: %w", err):
				case <-ctx.Done():
				}
				return
			}

			if firstChunkTime.IsZero() && len(response.Choices) > 0 && response.Choices[0].Delta.Content != "" {
				firstChunkTime = time.Now()
			}

			// The usage frame arrives after the last content chunk.
			if response.Usage != nil && response.Usage.TotalTokens > 0 {
				statsChan <- p.finishStats(response.Usage, startTime, firstChunkTime)
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			if response.Choices[0].Delta.Content != "" {
				chunkCount++
				select {
				case chunkChan <- stream.FromChatStream(response):
				case <-ctx.Done():
					p.logger.Warn("chat stream cancelled during send", "chunks", chunkCount)
					return
				}
			}

			if response.Choices[0].FinishReason != "" {
				statsChan <- p.finishStats(nil, startTime, firstChunkTime)
				p.logger.Debug("chat stream finished", "reason", response.Choices[0].FinishReason, "chunks", chunkCount)
				return
			}
		}
	}()

	return chunkChan, statsChan, errChan
}

func (p *OpenAIProvider) finishStats(usage *openai.Usage, startTime, firstChunkTime time.Time) *conversation.TurnStats {
	st := &conversation.TurnStats{
		TotalMs: time.Since(startTime).Milliseconds(),
	}
	if !firstChunkTime.IsZero() {
		st.FirstChunkMs = firstChunkTime.Sub(startTime).Milliseconds()
	}
	if usage != nil {
		st.PromptTokens = usage.PromptTokens
		st.CompletionTokens = usage.CompletionTokens
		st.TotalTokens = usage.TotalTokens
	}
	return st
}

// buildMessages flattens the turn history into the request message list,
// newest turn last.
func (p *OpenAIProvider) buildMessages(input string, history []*conversation.Ctx) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, 2*len(history)+2)
	if p.systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.systemPrompt,
		})
	}
	for _, c := range history {
		if c.Input != "" {
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: c.Input,
			})
		}
		if c.Output != "" {
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: c.Output,
			})
		}
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: input,
	})
	return msgs
}
