package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/resilience"
)

// Models selects which model serves each task.
type Models struct {
	Classifier string `yaml:"classifier" mapstructure:"classifier"`
	Parser     string `yaml:"parser" mapstructure:"parser"`
	Drawing    string `yaml:"drawing" mapstructure:"drawing"`
	Estimator  string `yaml:"estimator" mapstructure:"estimator"`
}

// DefaultModels routes cheap classification to Haiku and the heavier
// extraction tasks to Sonnet.
func DefaultModels() Models {
	return Models{
		Classifier: "claude-haiku-4-5-20251001",
		Parser:     "claude-sonnet-4-5-20250929",
		Drawing:    "claude-sonnet-4-5-20250929",
		Estimator:  "claude-sonnet-4-5-20250929",
	}
}

// Service runs all model-backed pipeline tasks through one client,
// sharing a rate limiter and circuit breaker across them.
type Service struct {
	client  Client
	models  Models
	limiter *rate.Limiter
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithRateLimit sets the request rate limit (requests per second with
// the given burst).
func WithRateLimit(rps float64, burst int) ServiceOption {
	return func(s *Service) {
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *resilience.Breaker) ServiceOption {
	return func(s *Service) {
		s.breaker = b
	}
}

// WithRetry replaces the default in-call retry configuration.
func WithRetry(cfg resilience.RetryConfig) ServiceOption {
	return func(s *Service) {
		s.retry = cfg
	}
}

// NewService creates a Service with default rate limiting and breaker
// settings tuned for the Anthropic API.
func NewService(client Client, models Models, opts ...ServiceOption) *Service {
	s := &Service{
		client:  client,
		models:  models,
		limiter: rate.NewLimiter(rate.Limit(2), 4),
		breaker: resilience.NewBreaker(5, 30*time.Second),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// completeJSON sends one prompt and decodes the model's JSON reply into
// out. API-level failures are retried in place; a reply that is not
// valid JSON comes back as a transient error so the caller's stage
// retry asks the model again.
func (s *Service) completeJSON(ctx context.Context, stage model.Stage, mdl, system, user string, out any) (model.TokenUsage, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return model.TokenUsage{}, eris.Wrap(err, "ai: rate limit wait")
	}

	resp, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*MessageResponse, error) {
		return resilience.Execute(ctx, s.breaker, func(ctx context.Context) (*MessageResponse, error) {
			return s.client.CreateMessage(ctx, MessageRequest{
				Model:     mdl,
				MaxTokens: 4096,
				System:    system,
				Messages:  []Message{{Role: "user", Content: user}},
			})
		})
	})
	if err != nil {
		return model.TokenUsage{}, err
	}

	usage := model.TokenUsage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
	resp.Usage.LogCost(mdl, string(stage))

	if err := json.Unmarshal([]byte(cleanJSON(resp.Text())), out); err != nil {
		return usage, resilience.NewTransientError(
			fmt.Errorf("ai: %s: model returned malformed JSON: %w", stage, err), 0)
	}
	return usage, nil
}
