package eino

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"karaoke/internal/logger"
	"karaoke/internal/metrics"

	gemini "github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"google.golang.org/genai"
)

type Config struct {
	Provider string `json:"provider"` // only "gemini" today
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`

	// Rate limit retries. Zero values get defaults.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Service is the completion client. Text prompts go through the eino chat
// model; prompts with an image go straight to the genai client as a
// multi-part message.
type Service struct {
	config    Config
	chatModel model.BaseChatModel
	client    *genai.Client
	executor  failsafe.Executor[string]
	log       *logger.Logger
}

func NewService(config Config) (*Service, error) {
	if strings.ToLower(config.Provider) != "gemini" {
		return nil, fmt.Errorf("unsupported provider: %s. Supported: gemini", config.Provider)
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	chatModel, err := gemini.NewChatModel(context.Background(), &gemini.Config{
		Client: client,
		Model:  config.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini chat model: %w", err)
	}
	s := newService(config, chatModel)
	s.client = client
	return s, nil
}

// NewServiceWithModel wires a pre-built chat model. Image prompts are
// rejected without a genai client.
func NewServiceWithModel(config Config, chatModel model.BaseChatModel) *Service {
	return newService(config, chatModel)
}

func newService(config Config, chatModel model.BaseChatModel) *Service {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = 20 * config.BaseDelay
	}
	s := &Service{config: config, chatModel: chatModel, log: logger.New("Completion")}
	policy := retrypolicy.NewBuilder[string]().
		HandleIf(func(_ string, err error) bool { return IsRateLimited(err) }).
		WithBackoff(config.BaseDelay, config.MaxDelay).
		WithMaxRetries(config.MaxRetries).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[string]) {
			s.log.LogWarnf("completion rate limited, retry %d: %v", e.Attempts(), e.LastError())
		}).
		Build()
	s.executor = failsafe.With[string](policy)
	return s
}

func (s *Service) ChatModel() model.BaseChatModel { return s.chatModel }

// Complete sends prompt, plus image when non-empty, and returns the raw
// response text. Only rate limit errors are retried here.
func (s *Service) Complete(ctx context.Context, prompt string, image []byte) (string, error) {
	mode := "text"
	if len(image) > 0 {
		mode = "image"
	}
	start := time.Now()
	out, err := s.executor.WithContext(ctx).Get(func() (string, error) {
		if len(image) > 0 {
			return s.completeImage(ctx, prompt, image)
		}
		return s.completeText(ctx, prompt)
	})
	metrics.CompletionDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CompletionCalls.WithLabelValues(mode, "error").Inc()
		return "", fmt.Errorf("completion (%s): %w", mode, err)
	}
	metrics.CompletionCalls.WithLabelValues(mode, "ok").Inc()
	return out, nil
}

func (s *Service) completeText(ctx context.Context, prompt string) (string, error) {
	if s.chatModel == nil {
		return "", fmt.Errorf("chat model not initialized")
	}
	msg, err := s.chatModel.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

func (s *Service) completeImage(ctx context.Context, prompt string, image []byte) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("image prompts need a gemini client")
	}
	mime := http.DetectContentType(image)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromBytes(image, mime),
		}, genai.RoleUser),
	}
	resp, err := s.client.Models.GenerateContent(ctx, s.config.Model, contents, nil)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// IsRateLimited reports quota and overload errors worth a delayed retry.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code == http.StatusServiceUnavailable
	}
	es := strings.ToLower(err.Error())
	return strings.Contains(es, "429") ||
		strings.Contains(es, "resource_exhausted") ||
		strings.Contains(es, "rate limit") ||
		strings.Contains(es, "503")
}

// CleanText trims blank lines and caps prompt material at max bytes.
func CleanText(text string, max int) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	clean := lines[:0]
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	out := strings.Join(clean, "\n")
	if max > 0 && len(out) > max {
		out = out[:max] + "\n...[content truncated for processing]"
	}
	return out
}
