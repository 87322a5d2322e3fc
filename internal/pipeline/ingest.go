package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/resilience"
	"github.com/masserfx/steelflow/internal/scheduler"
)

// handleIngest stores the inbound message exactly once and kicks off
// classification. Re-delivery of a message that already progressed past
// ingest is a no-op; one still in received resumes where the failed
// attempt stopped.
func (e *Env) handleIngest(ctx context.Context, task scheduler.Task) (*scheduler.Outcome, error) {
	var p IngestPayload
	if err := decodePayload(task.Payload, &p); err != nil {
		return nil, err
	}
	if p.ExternalID == "" || p.Sender == "" {
		return nil, resilience.NewPermanentError(
			eris.Errorf("pipeline: ingest payload missing external id or sender"))
	}

	m := &model.InboundMessage{
		ID:         uuid.NewString(),
		ExternalID: p.ExternalID,
		Sender:     p.Sender,
		Subject:    p.Subject,
		Body:       p.Body,
		ReceivedAt: p.ReceivedAt,
		InReplyTo:  p.InReplyTo,
		References: p.References,
		HasAttach:  len(p.Attachments) > 0,
		Status:     model.MessageStatusReceived,
		ThreadID:   e.adoptThread(ctx, p),
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = e.now()
	}

	stored, created, err := e.Store.UpsertMessage(ctx, m)
	if err != nil {
		return nil, err
	}
	// A known message that already progressed past ingest is a true
	// duplicate delivery. A known message still in received means an
	// earlier attempt crashed between the insert and the chain: resume.
	if !created && stored.Status != model.MessageStatusReceived {
		return &scheduler.Outcome{
			Summary: fmt.Sprintf("duplicate delivery of %s, already stored as %s", p.ExternalID, stored.ID),
		}, nil
	}

	existing, err := e.Store.ListMessageAttachments(ctx, stored.ID)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(existing))
	for _, att := range existing {
		have[att.Filename] = true
	}
	for _, att := range p.Attachments {
		if have[att.Filename] {
			continue
		}
		err := e.Store.CreateAttachment(ctx, &model.Attachment{
			ID:          uuid.NewString(),
			MessageID:   stored.ID,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        att.Size,
			RawText:     att.Text,
			State:       model.AttachmentStateReceived,
		})
		if err != nil {
			return nil, err
		}
	}

	return &scheduler.Outcome{
		Summary: fmt.Sprintf("message %s stored, %d attachments", stored.ID, len(p.Attachments)),
		Next:    []scheduler.Task{stageTask(model.StageClassify, StagePayload{MessageID: stored.ID})},
	}, nil
}

// adoptThread joins the message to an existing thread when any referenced
// message is already known. The reconciliation engine does the deeper
// chain walk later.
func (e *Env) adoptThread(ctx context.Context, p IngestPayload) string {
	refs := p.References
	if p.InReplyTo != "" {
		refs = append([]string{p.InReplyTo}, refs...)
	}
	for _, ref := range refs {
		prior, err := e.Store.GetMessageByExternalID(ctx, ref)
		if err == nil && prior.ThreadID != "" {
			return prior.ThreadID
		}
	}
	return ""
}
