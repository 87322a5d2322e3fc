package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/resilience"
	"github.com/masserfx/steelflow/internal/scheduler"
	"github.com/masserfx/steelflow/internal/store"
	"github.com/masserfx/steelflow/pkg/ai"
)

type stubClassifier struct {
	cls   ai.Classification
	usage model.TokenUsage
	err   error
}

func (s *stubClassifier) Classify(context.Context, string, string, bool) (*ai.Classification, model.TokenUsage, error) {
	if s.err != nil {
		return nil, s.usage, s.err
	}
	out := s.cls
	return &out, s.usage, nil
}

type stubParser struct {
	ex  model.Extraction
	err error
}

func (s *stubParser) Extract(context.Context, string, string) (*model.Extraction, model.TokenUsage, error) {
	if s.err != nil {
		return nil, model.TokenUsage{}, s.err
	}
	out := s.ex
	return &out, model.TokenUsage{InputTokens: 200, OutputTokens: 80}, nil
}

type stubDrawings struct {
	analysis model.DrawingAnalysis
}

func (s *stubDrawings) AnalyzeDrawing(context.Context, string, string) (*model.DrawingAnalysis, model.TokenUsage, error) {
	out := s.analysis
	return &out, model.TokenUsage{}, nil
}

type stubEstimator struct {
	est model.CostEstimate
	req ai.EstimateRequest
}

func (s *stubEstimator) EstimateCost(_ context.Context, req ai.EstimateRequest) (*model.CostEstimate, model.TokenUsage, error) {
	s.req = req
	out := s.est
	return &out, model.TokenUsage{InputTokens: 500}, nil
}

type memNotify struct {
	reviews, escalations, offers []string
}

func (m *memNotify) ReviewNeeded(_ context.Context, messageID, _, _ string) {
	m.reviews = append(m.reviews, messageID)
}
func (m *memNotify) Escalated(_ context.Context, messageID, _, _ string) {
	m.escalations = append(m.escalations, messageID)
}
func (m *memNotify) DeadLettered(context.Context, string, string, string) {}
func (m *memNotify) Alert(context.Context, string, string)                {}
func (m *memNotify) OfferReady(_ context.Context, orderNumber, _ string, _ float64) {
	m.offers = append(m.offers, orderNumber)
}

type testEnv struct {
	*Env
	st        store.Store
	classify  *stubClassifier
	parser    *stubParser
	drawings  *stubDrawings
	estimator *stubEstimator
	notifier  *memNotify
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := newTestStore(t)
	te := &testEnv{
		st:        st,
		classify:  &stubClassifier{cls: ai.Classification{Category: model.CategoryInquiry, Confidence: 0.95}},
		parser:    &stubParser{},
		drawings:  &stubDrawings{},
		estimator: &stubEstimator{},
		notifier:  &memNotify{},
	}
	te.Env = &Env{
		Store:      st,
		Classifier: te.classify,
		Parser:     te.parser,
		Drawings:   te.drawings,
		Estimator:  te.estimator,
		Notifier:   te.notifier,
		Engine:     NewEngine(st, EngineConfig{AutoCreateOrders: true}),
		Route:      RouteConfig{ReviewThreshold: 0.7, AutoEstimate: true, AutoOffer: true},
		Costing:    CostingConfig{LaborRate: 800, MarginPercent: 20},
		OfferDir:   t.TempDir(),
	}
	return te
}

func TestHandlersRegistryComplete(t *testing.T) {
	handlers := newTestEnv(t).Handlers()
	for _, stage := range model.AllStages() {
		assert.Contains(t, handlers, stage)
	}
}

func TestHandleIngest(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv(t)

	payload, err := EncodePayload(IngestPayload{
		ExternalID: "<abc@mail.example>",
		Sender:     "jana@ocelex.cz",
		Subject:    "Poptávka",
		Body:       "text",
		Attachments: []AttachmentInput{
			{Filename: "vykres.pdf", ContentType: "application/pdf", Size: 1024, Text: "IPE 200"},
		},
	})
	require.NoError(t, err)

	out, err := te.handleIngest(ctx, scheduler.Task{Stage: model.StageIngest, Payload: payload})
	require.NoError(t, err)
	require.Len(t, out.Next, 1)
	assert.Equal(t, model.StageClassify, out.Next[0].Stage)

	msg, err := te.st.GetMessageByExternalID(ctx, "<abc@mail.example>")
	require.NoError(t, err)
	assert.True(t, msg.HasAttach)

	atts, err := te.st.ListMessageAttachments(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "vykres.pdf", atts[0].Filename)

	// Once the message has progressed past ingest, re-delivery is a
	// no-op and schedules nothing.
	require.NoError(t, te.st.SetMessageStatus(ctx, msg.ID, model.MessageStatusClassified))
	out2, err := te.handleIngest(ctx, scheduler.Task{Stage: model.StageIngest, Payload: payload})
	require.NoError(t, err)
	assert.Empty(t, out2.Next)

	atts, err = te.st.ListMessageAttachments(ctx, msg.ID)
	require.NoError(t, err)
	assert.Len(t, atts, 1)
}

// attachmentFailStore fails the first CreateAttachment call, simulating a
// crash between the message insert and the attachment writes.
type attachmentFailStore struct {
	store.Store
	failures int
}

func (s *attachmentFailStore) CreateAttachment(ctx context.Context, a *model.Attachment) error {
	if s.failures > 0 {
		s.failures--
		return eris.New("connection reset")
	}
	return s.Store.CreateAttachment(ctx, a)
}

func TestHandleIngestRetryResumesAfterPartialFailure(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv(t)
	failing := &attachmentFailStore{Store: te.st, failures: 1}
	te.Env.Store = failing

	payload, err := EncodePayload(IngestPayload{
		ExternalID: "<crash@mail.example>",
		Sender:     "jana@ocelex.cz",
		Subject:    "Poptávka",
		Attachments: []AttachmentInput{
			{Filename: "vykres.pdf", ContentType: "application/pdf", Size: 1024, Text: "IPE 200"},
		},
	})
	require.NoError(t, err)

	// Attempt 1 inserts the message row but fails on the attachment.
	_, err = te.handleIngest(ctx, scheduler.Task{Stage: model.StageIngest, Payload: payload})
	require.Error(t, err)

	msg, err := te.st.GetMessageByExternalID(ctx, "<crash@mail.example>")
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusReceived, msg.Status)

	// The retry must finish the job: attachment stored, classify chained.
	out, err := te.handleIngest(ctx, scheduler.Task{Stage: model.StageIngest, Payload: payload})
	require.NoError(t, err)
	require.Len(t, out.Next, 1)
	assert.Equal(t, model.StageClassify, out.Next[0].Stage)

	atts, err := te.st.ListMessageAttachments(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "vykres.pdf", atts[0].Filename)

	// A third delivery does not duplicate the attachment.
	out, err = te.handleIngest(ctx, scheduler.Task{Stage: model.StageIngest, Payload: payload})
	require.NoError(t, err)
	require.Len(t, out.Next, 1)
	atts, err = te.st.ListMessageAttachments(ctx, msg.ID)
	require.NoError(t, err)
	assert.Len(t, atts, 1)
}

func TestHandleIngestRejectsEmptyEnvelope(t *testing.T) {
	te := newTestEnv(t)

	payload, err := EncodePayload(IngestPayload{Subject: "no sender"})
	require.NoError(t, err)

	_, err = te.handleIngest(context.Background(), scheduler.Task{Payload: payload})
	require.Error(t, err)
}

func TestHandleClassifyRoutesInquiry(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv(t)

	msg := seedInbound(t, te.st, messageSeed{})

	out, err := te.handleClassify(ctx, stageTask(model.StageClassify, StagePayload{MessageID: msg.ID}))
	require.NoError(t, err)

	got, err := te.st.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CategoryInquiry, got.Category)
	assert.InDelta(t, 0.95, got.Confidence, 1e-9)

	require.Len(t, out.Next, 1)
	assert.Equal(t, model.StageParse, out.Next[0].Stage)

	var next StagePayload
	require.NoError(t, decodePayload(out.Next[0].Payload, &next))
	assert.Equal(t, []model.Stage{
		model.StageReconcileOrder, model.StageEstimateCost, model.StageGenerateOffer,
	}, next.Rest)
}

func TestHandleClassifyFansOutAttachments(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv(t)

	msg, created, err := te.st.UpsertMessage(ctx, &model.InboundMessage{
		ID:         uuid.NewString(),
		ExternalID: "<fanout@mail.example>",
		Sender:     "jana@ocelex.cz",
		ReceivedAt: time.Now().UTC(),
		HasAttach:  true,
		Status:     model.MessageStatusReceived,
	})
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, te.st.CreateAttachment(ctx, &model.Attachment{
		ID: uuid.NewString(), MessageID: msg.ID,
		Filename: "vykres.pdf", ContentType: "application/pdf",
		State: model.AttachmentStateReceived,
	}))

	out, err := te.handleClassify(ctx, stageTask(model.StageClassify, StagePayload{MessageID: msg.ID}))
	require.NoError(t, err)

	stages := make([]model.Stage, 0, len(out.Next))
	for _, task := range out.Next {
		stages = append(stages, task.Stage)
	}
	assert.Contains(t, stages, model.StageParse)
	assert.Contains(t, stages, model.StageProcessAttachment)
}

func TestHandleClassifyLowConfidenceReviews(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv(t)
	te.classify.cls = ai.Classification{Category: model.CategoryInquiry, Confidence: 0.4}

	msg := seedInbound(t, te.st, messageSeed{})

	out, err := te.handleClassify(ctx, stageTask(model.StageClassify, StagePayload{MessageID: msg.ID}))
	require.NoError(t, err)
	assert.Empty(t, out.Next)

	got, err := te.st.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusReview, got.Status)
	assert.Equal(t, []string{msg.ID}, te.notifier.reviews)
}

func TestHandleClassifyCommercialArchives(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv(t)
	te.classify.cls = ai.Classification{Category: model.CategoryCommercial, Confidence: 0.99}

	msg := seedInbound(t, te.st, messageSeed{})

	out, err := te.handleClassify(ctx, stageTask(model.StageClassify, StagePayload{MessageID: msg.ID}))
	require.NoError(t, err)
	assert.Empty(t, out.Next)

	got, err := te.st.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusArchived, got.Status)
	assert.Empty(t, te.notifier.escalations)
}

func TestHandleParse(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv(t)
	te.parser.ex = model.Extraction{
		CompanyName: "Ocelex s.r.o.",
		Items:       []model.OrderItem{{Name: "nosník IPE 200", Quantity: 12, Unit: "ks"}},
	}

	msg := seedInbound(t, te.st, messageSeed{category: model.CategoryInquiry})

	task := stageTask(model.StageParse, StagePayload{
		MessageID: msg.ID,
		Rest:      []model.Stage{model.StageReconcileOrder},
	})
	out, err := te.handleParse(ctx, task)
	require.NoError(t, err)
	require.Len(t, out.Next, 1)
	assert.Equal(t, model.StageReconcileOrder, out.Next[0].Stage)

	got, err := te.st.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusParsed, got.Status)
	require.NotNil(t, got.Extraction)
	assert.Equal(t, "Ocelex s.r.o.", got.Extraction.CompanyName)
}

func TestHandleProcessAttachment(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv(t)

	msg := seedInbound(t, te.st, messageSeed{})
	drawing := &model.Attachment{
		ID: uuid.NewString(), MessageID: msg.ID,
		Filename: "vykres.pdf", ContentType: "application/pdf",
		State: model.AttachmentStateReceived,
	}
	sheet := &model.Attachment{
		ID: uuid.NewString(), MessageID: msg.ID,
		Filename: "cenik.xlsx", ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		State: model.AttachmentStateReceived,
	}
	require.NoError(t, te.st.CreateAttachment(ctx, drawing))
	require.NoError(t, te.st.CreateAttachment(ctx, sheet))

	out, err := te.handleProcessAttachment(ctx, stageTask(model.StageProcessAttachment, StagePayload{
		MessageID: msg.ID, AttachmentID: drawing.ID,
	}))
	require.NoError(t, err)
	require.Len(t, out.Next, 1)
	assert.Equal(t, model.StageAnalyzeDrawing, out.Next[0].Stage)

	out, err = te.handleProcessAttachment(ctx, stageTask(model.StageProcessAttachment, StagePayload{
		MessageID: msg.ID, AttachmentID: sheet.ID,
	}))
	require.NoError(t, err)
	assert.Empty(t, out.Next, "spreadsheets are not drawings")
}

func TestHandleAnalyzeDrawing(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv(t)
	te.drawings.analysis = model.DrawingAnalysis{
		Dimensions: []string{"200x100x5600"},
		Materials:  []string{"S355J2"},
	}

	msg := seedInbound(t, te.st, messageSeed{})
	att := &model.Attachment{
		ID: uuid.NewString(), MessageID: msg.ID,
		Filename: "vykres.pdf", ContentType: "application/pdf",
		RawText: "IPE 200 S355J2", State: model.AttachmentStateReceived,
	}
	require.NoError(t, te.st.CreateAttachment(ctx, att))

	_, err := te.handleAnalyzeDrawing(ctx, stageTask(model.StageAnalyzeDrawing, StagePayload{
		MessageID: msg.ID, AttachmentID: att.ID,
	}))
	require.NoError(t, err)

	got, err := te.st.GetAttachment(ctx, att.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttachmentStateAnalyzed, got.State)
	require.NotNil(t, got.Analysis)
	assert.Equal(t, []string{"S355J2"}, got.Analysis.Materials)
}

func TestHandleReconcileThreadsOrderIntoChain(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv(t)

	msg := seedInbound(t, te.st, messageSeed{
		category:   model.CategoryInquiry,
		extraction: &model.Extraction{CompanyName: "Ocelex s.r.o."},
	})

	task := stageTask(model.StageReconcileOrder, StagePayload{
		MessageID: msg.ID,
		Rest:      []model.Stage{model.StageEstimateCost, model.StageGenerateOffer},
	})
	out, err := te.handleReconcile(ctx, task)
	require.NoError(t, err)
	require.Len(t, out.Next, 1)
	assert.Equal(t, model.StageEstimateCost, out.Next[0].Stage)

	var next StagePayload
	require.NoError(t, decodePayload(out.Next[0].Payload, &next))
	assert.NotEmpty(t, next.OrderID)
	assert.Equal(t, []model.Stage{model.StageGenerateOffer}, next.Rest)
}

func TestHandleReconcileEscalationEndsChain(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv(t)

	msg := seedInbound(t, te.st, messageSeed{category: model.CategoryQuestion})

	out, err := te.handleReconcile(ctx, stageTask(model.StageReconcileOrder, StagePayload{
		MessageID: msg.ID,
		Rest:      []model.Stage{model.StageEstimateCost},
	}))
	require.NoError(t, err)
	assert.Empty(t, out.Next)
	assert.Equal(t, []string{msg.ID}, te.notifier.escalations)
}

func TestHandleEstimate(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv(t)
	te.estimator.est = model.CostEstimate{
		MaterialCost: 1000,
		LaborHours:   10,
		Overhead:     500,
		Breakdown:    []model.CostLine{{Label: "materiál", Amount: 1000}},
	}

	customer, order := seedCustomerOrder(t, te.st, model.OrderStatusInquiry)
	_ = customer
	msg := seedInbound(t, te.st, messageSeed{category: model.CategoryInquiry})

	task := stageTask(model.StageEstimateCost, StagePayload{
		MessageID: msg.ID,
		OrderID:   order.ID,
		Rest:      []model.Stage{model.StageGenerateOffer},
	})
	out, err := te.handleEstimate(ctx, task)
	require.NoError(t, err)
	require.Len(t, out.Next, 1)
	assert.Equal(t, model.StageGenerateOffer, out.Next[0].Stage)

	got, err := te.st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Estimate)
	// (1000 material + 10h * 800 + 500 overhead) * 1.20 margin
	assert.InDelta(t, 11400, got.Estimate.Total, 1e-9)
	assert.InDelta(t, 800, got.Estimate.LaborRate, 1e-9)
}

// messageFailStore fails the first GetMessage call, simulating a store
// hiccup while the estimate stage gathers the inquiry context.
type messageFailStore struct {
	store.Store
	failures int
}

func (s *messageFailStore) GetMessage(ctx context.Context, id string) (*model.InboundMessage, error) {
	if s.failures > 0 {
		s.failures--
		return nil, eris.New("connection reset")
	}
	return s.Store.GetMessage(ctx, id)
}

func TestHandleEstimateRetriesWhenMessageLoadFails(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv(t)
	te.estimator.est = model.CostEstimate{MaterialCost: 1000}

	_, order := seedCustomerOrder(t, te.st, model.OrderStatusInquiry)
	msg := seedInbound(t, te.st, messageSeed{category: model.CategoryInquiry})

	failing := &messageFailStore{Store: te.st, failures: 1}
	te.Env.Store = failing

	task := stageTask(model.StageEstimateCost, StagePayload{
		MessageID: msg.ID,
		OrderID:   order.ID,
	})

	// The failed load surfaces so the stage retries with full context
	// instead of estimating without the note and drawings.
	_, err := te.handleEstimate(ctx, task)
	require.Error(t, err)
	assert.False(t, resilience.IsPermanent(err))

	got, err := te.st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Estimate)

	out, err := te.handleEstimate(ctx, task)
	require.NoError(t, err)
	assert.Contains(t, out.Summary, "estimated")
}

func TestHandleEstimateWithoutOrderIsPermanent(t *testing.T) {
	te := newTestEnv(t)
	msg := seedInbound(t, te.st, messageSeed{category: model.CategoryInquiry})

	_, err := te.handleEstimate(context.Background(), stageTask(model.StageEstimateCost, StagePayload{
		MessageID: msg.ID,
	}))
	require.Error(t, err)
}

func TestHandleGenerateOffer(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv(t)

	_, order := seedCustomerOrder(t, te.st, model.OrderStatusInquiry)
	est := &model.CostEstimate{
		MaterialCost: 1000, LaborHours: 10, LaborRate: 800,
		Overhead: 500, MarginPercent: 20,
	}
	est.ComputeTotal()
	require.NoError(t, te.st.SetOrderEstimate(ctx, order.ID, est))

	msg := seedInbound(t, te.st, messageSeed{category: model.CategoryInquiry})

	out, err := te.handleGenerateOffer(ctx, stageTask(model.StageGenerateOffer, StagePayload{
		MessageID: msg.ID,
		OrderID:   order.ID,
	}))
	require.NoError(t, err)
	assert.Empty(t, out.Next)

	offer, err := te.st.LatestSentOffer(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, offerNumber(order.Number), offer.Number)
	assert.InDelta(t, est.Total, offer.TotalPrice, 1e-9)

	gotOrder, err := te.st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusOffer, gotOrder.Status)

	assert.Equal(t, []string{order.Number}, te.notifier.offers)

	f, err := xlsx.OpenFile(offer.FilePath)
	require.NoError(t, err)
	require.NotEmpty(t, f.Sheets)
	assert.Equal(t, "Nabídka", f.Sheets[0].Name)
}

func TestHandleGenerateOfferWithoutEstimate(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv(t)

	_, order := seedCustomerOrder(t, te.st, model.OrderStatusInquiry)
	msg := seedInbound(t, te.st, messageSeed{category: model.CategoryInquiry})

	_, err := te.handleGenerateOffer(ctx, stageTask(model.StageGenerateOffer, StagePayload{
		MessageID: msg.ID,
		OrderID:   order.ID,
	}))
	require.Error(t, err)
}
