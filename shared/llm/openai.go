package llm

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"

	"fitness-rag/shared/config"
	"fitness-rag/shared/logger"
)

// Chat roles
const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

// Roughly the 8k token input limit of the OpenAI embedding models
const maxEmbeddingTextLength = 30000

// Message is one chat turn
type Message struct {
	Role    string
	Content string
}

// Embedder turns text into vectors
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatModel completes a conversation
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// HTTPClient interface for making HTTP requests (allows mocking)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// OpenAIClient implements Embedder and ChatModel against an OpenAI compatible API
type OpenAIClient struct {
	client         *openai.Client
	chatModel      string
	embeddingModel openai.EmbeddingModel
	logger         *logger.Logger
}

// NewOpenAIClient creates a client. A missing API key is a configuration error.
func NewOpenAIClient(cfg config.OpenAIConfig, log *logger.Logger) (*OpenAIClient, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return NewOpenAIClientWithHTTPClient(cfg, &http.Client{Timeout: timeout}, log)
}

// NewOpenAIClientWithHTTPClient creates a client with a custom HTTP client (for testing)
func NewOpenAIClientWithHTTPClient(cfg config.OpenAIConfig, httpClient HTTPClient, log *logger.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, logger.NewAppError(logger.ErrorTypeConfig, "OpenAI API key not set", nil)
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = httpClient

	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = openai.GPT3Dot5Turbo
	}
	embeddingModel := openai.EmbeddingModel(cfg.EmbeddingModel)
	if embeddingModel == "" {
		embeddingModel = openai.AdaEmbeddingV2
	}

	return &OpenAIClient{
		client:         openai.NewClientWithConfig(clientConfig),
		chatModel:      chatModel,
		embeddingModel: embeddingModel,
		logger:         log,
	}, nil
}

// Embed generates an embedding for the given text
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates one embedding per text, in input order
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	inputs := make([]string, len(texts))
	for i, text := range texts {
		if text == "" {
			return nil, logger.NewAppError(logger.ErrorTypeData, fmt.Sprintf("text %d is empty", i), nil)
		}
		if len(text) > maxEmbeddingTextLength {
			c.logger.Warn("Text length exceeds maximum", map[string]interface{}{
				"text_length": len(text),
				"max_length":  maxEmbeddingTextLength,
			})
			text = truncateUTF8(text, maxEmbeddingTextLength)
		}
		inputs[i] = text
	}

	startTime := time.Now()
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: inputs,
		Model: c.embeddingModel,
	})
	if err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeAPI, "failed to create embeddings", err)
	}

	results := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index >= 0 && data.Index < len(results) {
			results[data.Index] = data.Embedding
		}
	}
	for i, vector := range results {
		if err := validateEmbedding(vector); err != nil {
			return nil, logger.NewAppError(logger.ErrorTypeAPI, fmt.Sprintf("invalid embedding for text %d", i), err)
		}
	}

	c.logger.Debug("Embeddings generated", map[string]interface{}{
		"count":               len(texts),
		"dimension":           len(results[0]),
		"request_duration_ms": time.Since(startTime).Milliseconds(),
	})

	return results, nil
}

// Chat sends the conversation and returns the first choice
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", logger.NewAppError(logger.ErrorTypeData, "no messages to send", nil)
	}

	request := openai.ChatCompletionRequest{
		Model:    c.chatModel,
		Messages: make([]openai.ChatCompletionMessage, len(messages)),
	}
	for i, message := range messages {
		request.Messages[i] = openai.ChatCompletionMessage{
			Role:    message.Role,
			Content: message.Content,
		}
	}

	startTime := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, request)
	if err != nil {
		return "", logger.NewAppError(logger.ErrorTypeAPI, "chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", logger.NewAppError(logger.ErrorTypeAPI, "chat completion returned no choices", nil)
	}

	c.logger.InfoWithDuration("Chat completion finished", time.Since(startTime), map[string]interface{}{
		"model":             c.chatModel,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	})

	return resp.Choices[0].Message.Content, nil
}

// validateEmbedding rejects missing vectors and NaN or infinite components
func validateEmbedding(vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	for i, val := range vector {
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return fmt.Errorf("embedding contains invalid value at index %d", i)
		}
	}
	return nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
