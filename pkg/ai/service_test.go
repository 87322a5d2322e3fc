package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/resilience"
)

// stubClient returns canned responses in order, then repeats the last.
type stubClient struct {
	responses []string
	err       error
	calls     int
	lastReq   MessageRequest
}

func (c *stubClient) CreateMessage(_ context.Context, req MessageRequest) (*MessageResponse, error) {
	c.calls++
	c.lastReq = req
	if c.err != nil {
		return nil, c.err
	}
	idx := c.calls - 1
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	return &MessageResponse{
		Content: []ContentBlock{{Type: "text", Text: c.responses[idx]}},
		Usage:   TokenUsage{InputTokens: 500, OutputTokens: 40},
	}, nil
}

func newTestService(client Client) *Service {
	return NewService(client, DefaultModels(),
		WithRateLimit(1000, 1000),
		WithRetry(resilience.RetryConfig{MaxAttempts: 1}),
	)
}

func TestService_Classify(t *testing.T) {
	client := &stubClient{responses: []string{
		`{"category": "inquiry", "confidence": 0.93, "reasoning": "asks for a quote"}`,
	}}
	s := newTestService(client)

	got, usage, err := s.Classify(context.Background(), "Poptávka - konzoly", "Dobrý den, poptáváme 40 ks konzol.", true)
	require.NoError(t, err)
	assert.Equal(t, model.CategoryInquiry, got.Category)
	assert.InDelta(t, 0.93, got.Confidence, 1e-9)
	assert.Equal(t, 500, usage.InputTokens)
	assert.Contains(t, client.lastReq.Messages[0].Content, "Poptávka - konzoly")
	assert.Contains(t, client.lastReq.Messages[0].Content, "Has attachments: true")
	assert.Equal(t, DefaultModels().Classifier, client.lastReq.Model)
}

func TestService_Classify_UnknownCategoryIsTransient(t *testing.T) {
	client := &stubClient{responses: []string{
		`{"category": "sales_lead", "confidence": 0.8, "reasoning": ""}`,
	}}
	s := newTestService(client)

	_, _, err := s.Classify(context.Background(), "subj", "body", false)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestService_Classify_ClampsConfidence(t *testing.T) {
	client := &stubClient{responses: []string{
		`{"category": "commercial", "confidence": 1.4, "reasoning": ""}`,
	}}
	s := newTestService(client)

	got, _, err := s.Classify(context.Background(), "s", "b", false)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Confidence)
}

func TestService_MalformedJSONIsTransient(t *testing.T) {
	client := &stubClient{responses: []string{`I could not decide on a category.`}}
	s := newTestService(client)

	_, usage, err := s.Classify(context.Background(), "s", "b", false)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	// Usage is still reported so the attempt can be cost-attributed.
	assert.Equal(t, 540, usage.Total())
}

func TestService_ClientErrorPropagates(t *testing.T) {
	client := &stubClient{err: resilience.NewPermanentError(errors.New("invalid api key"))}
	s := newTestService(client)

	_, _, err := s.Classify(context.Background(), "s", "b", false)
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}

func TestService_Extract(t *testing.T) {
	client := &stubClient{responses: []string{"```json\n" + `{
		"company_name": "Ocelex s.r.o.",
		"registration_no": "27074358",
		"items": [{"name": "konzola K-200", "material": "S235JR", "quantity": 40, "unit": "ks"}],
		"deadline_text": "6 týdnů",
		"urgency": "normal"
	}` + "\n```"}}
	s := newTestService(client)

	got, _, err := s.Extract(context.Background(), "Poptávka", "Dobrý den...")
	require.NoError(t, err)
	assert.Equal(t, "Ocelex s.r.o.", got.CompanyName)
	assert.Equal(t, "27074358", got.RegistrationNo)
	require.Len(t, got.Items, 1)
	assert.Equal(t, 40.0, got.Items[0].Quantity)
	assert.Equal(t, "6 týdnů", got.DeadlineText)
	assert.Equal(t, DefaultModels().Parser, client.lastReq.Model)
}

func TestService_AnalyzeDrawing(t *testing.T) {
	client := &stubClient{responses: []string{
		`{"dimensions": ["200x80x10"], "materials": ["S235JR"], "tolerances": ["±0.1"], "notes": "zinkovat"}`,
	}}
	s := newTestService(client)

	got, _, err := s.AnalyzeDrawing(context.Background(), "vykres.pdf", "OCR text...")
	require.NoError(t, err)
	assert.Equal(t, []string{"S235JR"}, got.Materials)
	assert.Equal(t, "zinkovat", got.Notes)
}

func TestService_EstimateCost(t *testing.T) {
	client := &stubClient{responses: []string{
		`{"material_cost": 52000, "labor_hours": 64, "overhead": 8000,
		  "breakdown": [{"label": "ocel S235JR", "amount": 52000}]}`,
	}}
	s := newTestService(client)

	got, _, err := s.EstimateCost(context.Background(), EstimateRequest{
		Items:    []model.OrderItem{{Name: "konzola", Quantity: 40, Unit: "ks"}},
		Drawings: []model.DrawingAnalysis{{Materials: []string{"S235JR"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 52000.0, got.MaterialCost)
	assert.Equal(t, 64.0, got.LaborHours)
	require.Len(t, got.Breakdown, 1)
	assert.Contains(t, client.lastReq.Messages[0].Content, "Drawing data:")
}

func TestService_TransientErrorIsRetriedInCall(t *testing.T) {
	client := &stubClient{err: resilience.NewTransientError(errors.New("overloaded"), 529)}
	s := NewService(client, DefaultModels(),
		WithRateLimit(1000, 1000),
		WithRetry(resilience.RetryConfig{MaxAttempts: 3, BaseDelay: 1, MaxDelay: 2}),
	)

	_, _, err := s.Classify(context.Background(), "s", "b", false)
	require.Error(t, err)
	assert.Equal(t, 3, client.calls)
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a": 1}`, `{"a": 1}`},
		{"fenced json", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"fenced plain", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prose around", "Here you go:\n{\"a\": 1}\nHope that helps.", `{"a": 1}`},
		{"no json", "I cannot answer that.", "I cannot answer that."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanJSON(tt.in))
		})
	}
}

func TestTokenUsage_EstimateCost(t *testing.T) {
	u := TokenUsage{InputTokens: 1_000_000, OutputTokens: 100_000}
	assert.InDelta(t, 0.80+0.40, u.EstimateCost("claude-haiku-4-5-20251001"), 1e-9)
	assert.Zero(t, u.EstimateCost("unknown-model"))
}
