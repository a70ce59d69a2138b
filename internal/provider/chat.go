package provider

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

const defaultChatEndpoint = "https://api.openai.com/v1/chat/completions"

type ChatOption func(*ChatProvider)

// ChatProvider speaks the chat-completions wire format most hosted AI APIs
// expose. The conductor drives sessions with structured directives embedded
// in plain message content, so no tool-call plumbing is needed here.
type ChatProvider struct {
	name     string
	apiKey   string
	endpoint string
	client   *http.Client
}

func NewChatProvider(name, apiKey string, opts ...ChatOption) *ChatProvider {
	p := &ChatProvider{
		name:     normalizeID(name),
		apiKey:   strings.TrimSpace(apiKey),
		endpoint: defaultChatEndpoint,
		client: &http.Client{
			Timeout: 300 * time.Second,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func WithChatEndpoint(endpoint string) ChatOption {
	return func(p *ChatProvider) {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			p.endpoint = trimmed
		}
	}
}

func WithChatHTTPClient(client *http.Client) ChatOption {
	return func(p *ChatProvider) {
		if client != nil {
			p.client = client
		}
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens        int64 `json:"prompt_tokens"`
	CompletionTokens    int64 `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

type chatErrorEnvelope struct {
	Error chatError `json:"error"`
}

type chatError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

var _ Provider = (*ChatProvider)(nil)

func (p *ChatProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if p.apiKey == "" {
		return CompletionResponse{}, fmt.Errorf("%s api key is required", p.name)
	}
	if strings.TrimSpace(req.Model) == "" {
		return CompletionResponse{}, errors.New("model is required")
	}
	if req.MaxTokens <= 0 {
		return CompletionResponse{}, errors.New("max tokens must be greater than zero")
	}

	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, chatMessage{Role: string(RoleSystem), Content: req.SystemPrompt})
	}
	for _, message := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(string(message.Role)))
		switch role {
		case string(RoleUser), string(RoleAssistant), string(RoleSystem):
			messages = append(messages, chatMessage{Role: role, Content: message.Content})
		default:
			return CompletionResponse{}, fmt.Errorf("unsupported message role: %s", message.Role)
		}
	}
	if len(messages) == 0 {
		return CompletionResponse{}, errors.New("at least one message is required")
	}

	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("content-type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("call %s api: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CompletionResponse{}, p.parseAPIError(resp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return CompletionResponse{}, fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return CompletionResponse{}, fmt.Errorf("%s response contained no choices", p.name)
	}

	choice := parsed.Choices[0]
	if strings.TrimSpace(choice.Message.Content) == "" {
		return CompletionResponse{}, fmt.Errorf("%s response contained no content", p.name)
	}

	modelName := parsed.Model
	if modelName == "" {
		modelName = req.Model
	}

	return CompletionResponse{
		Content: choice.Message.Content,
		Usage: Usage{
			InputTokens:     parsed.Usage.PromptTokens,
			OutputTokens:    parsed.Usage.CompletionTokens,
			CacheReadTokens: parsed.Usage.PromptTokensDetails.CachedTokens,
		},
		Model:      modelName,
		StopReason: choice.FinishReason,
	}, nil
}

func (p *ChatProvider) parseAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	message := strings.TrimSpace(string(body))
	if len(body) > 0 {
		var parsed chatErrorEnvelope
		if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Error.Message) != "" {
			message = parsed.Error.Message
		}
	}
	return &APIError{Provider: p.name, StatusCode: resp.StatusCode, Message: message}
}
