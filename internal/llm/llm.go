// Package llm proxies summarization requests to a local OpenAI-compatible
// endpoint (LM Studio or similar). The server never talks to a hosted
// provider; the base URL always points at the user's own machine.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrDisabled maps to 503: the LLM section is off in config.
	ErrDisabled = errors.New("local LLM integration is disabled")
	// ErrUpstream maps to 502: the endpoint is unreachable or errored.
	ErrUpstream = errors.New("local LLM endpoint unavailable")
	// ErrTimeout maps to 504: the endpoint exceeded the deadline.
	ErrTimeout = errors.New("local LLM request timed out")
)

const requestTimeout = 120 * time.Second

// Options configures the proxy from the local_llm config section.
type Options struct {
	Enabled             bool
	BaseURL             string
	Model               string
	Temperature         float32
	MaxTokens           int
	DefaultSystemPrompt string
	Log                 zerolog.Logger
}

// Service is the summarization proxy.
type Service struct {
	opts   Options
	client *openai.Client
}

// New creates the proxy. A disabled service is still constructed so
// handlers can return ErrDisabled uniformly.
func New(opts Options) *Service {
	cfg := openai.DefaultConfig("not-needed")
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(opts.BaseURL, "/") + "/v1"
	}
	return &Service{opts: opts, client: openai.NewClientWithConfig(cfg)}
}

// Enabled reports whether the proxy may be used.
func (s *Service) Enabled() bool { return s.opts.Enabled }

// Request is one summarization call.
type Request struct {
	Text         string
	SystemPrompt string // empty selects the configured default
	Model        string // empty selects the configured default
}

func (s *Service) chatRequest(req Request) openai.ChatCompletionRequest {
	system := req.SystemPrompt
	if system == "" {
		system = s.opts.DefaultSystemPrompt
	}
	model := req.Model
	if model == "" {
		model = s.opts.Model
	}
	return openai.ChatCompletionRequest{
		Model:       model,
		Temperature: s.opts.Temperature,
		MaxTokens:   s.opts.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: req.Text},
		},
	}
}

// Process runs one non-streaming completion. Returns the completion
// text and the model that produced it.
func (s *Service) Process(ctx context.Context, req Request) (string, string, error) {
	if !s.opts.Enabled {
		return "", "", ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := s.client.CreateChatCompletion(ctx, s.chatRequest(req))
	if err != nil {
		return "", "", s.classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", "", fmt.Errorf("%w: empty completion", ErrUpstream)
	}
	return resp.Choices[0].Message.Content, resp.Model, nil
}

// ProcessStream runs one streaming completion, invoking onChunk for each
// content delta. The SSE framing is the HTTP layer's concern.
func (s *Service) ProcessStream(ctx context.Context, req Request, onChunk func(content string) error) error {
	if !s.opts.Enabled {
		return ErrDisabled
	}

	stream, err := s.client.CreateChatCompletionStream(ctx, s.chatRequest(req))
	if err != nil {
		return s.classify(err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil {
			if isEOF(err) {
				return nil
			}
			return s.classify(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			if err := onChunk(delta); err != nil {
				return err
			}
		}
	}
}

func isEOF(err error) bool {
	return err != nil && strings.Contains(err.Error(), "EOF")
}

// classify maps transport failures to the proxy's error taxonomy.
func (s *Service) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %s", ErrUpstream, apiErr.Message)
	}
	s.opts.Log.Warn().Err(err).Msg("llm request failed")
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}
