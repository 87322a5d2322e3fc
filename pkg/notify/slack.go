// Package notify posts operator alerts. Notifications are fire and
// forget: a failed delivery is logged, never returned.
package notify

import (
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Notifier delivers operator-facing alerts.
type Notifier interface {
	ReviewNeeded(ctx context.Context, messageID, subject, reason string)
	Escalated(ctx context.Context, messageID, subject, category string)
	DeadLettered(ctx context.Context, messageID, stage, errMsg string)
	OfferReady(ctx context.Context, orderNumber, filePath string, total float64)
	// Alert carries threshold breaches from the monitoring checker.
	Alert(ctx context.Context, severity, message string)
}

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackNotifier posts alerts to a Slack channel.
type SlackNotifier struct {
	client    slackClient
	channelID string
}

// SlackOpts holds parameters for creating a SlackNotifier.
type SlackOpts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// NewSlack creates a SlackNotifier.
func NewSlack(opts SlackOpts) (*SlackNotifier, error) {
	client := opts.Client
	if client == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("notify: slack bot token is required")
		}
		client = slackapi.New(opts.BotToken)
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("notify: slack channel is required")
	}
	return &SlackNotifier{client: client, channelID: opts.ChannelID}, nil
}

func (n *SlackNotifier) ReviewNeeded(ctx context.Context, messageID, subject, reason string) {
	n.post(ctx, fmt.Sprintf(":mag: Message needs review\n*%s*\nreason: %s\nid: `%s`", subject, reason, messageID))
}

func (n *SlackNotifier) Escalated(ctx context.Context, messageID, subject, category string) {
	n.post(ctx, fmt.Sprintf(":rotating_light: Message escalated (%s)\n*%s*\nid: `%s`", category, subject, messageID))
}

func (n *SlackNotifier) DeadLettered(ctx context.Context, messageID, stage, errMsg string) {
	n.post(ctx, fmt.Sprintf(":skull: Task dead-lettered at stage *%s*\nerror: %s\nmessage: `%s`", stage, errMsg, messageID))
}

func (n *SlackNotifier) OfferReady(ctx context.Context, orderNumber, filePath string, total float64) {
	n.post(ctx, fmt.Sprintf(":page_facing_up: Offer ready for *%s*\ntotal: %.2f CZK\nfile: %s", orderNumber, total, filePath))
}

func (n *SlackNotifier) Alert(ctx context.Context, severity, message string) {
	icon := ":warning:"
	if severity == "critical" {
		icon = ":fire:"
	}
	n.post(ctx, fmt.Sprintf("%s [%s] %s", icon, severity, message))
}

func (n *SlackNotifier) post(ctx context.Context, text string) {
	_, _, err := n.client.PostMessageContext(ctx, n.channelID,
		slackapi.MsgOptionText(text, false),
		slackapi.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		zap.L().Warn("notify: slack post failed",
			zap.String("channel", n.channelID),
			zap.Error(err),
		)
	}
}

// Nop is a Notifier that does nothing, used when Slack is not configured.
type Nop struct{}

func (Nop) ReviewNeeded(context.Context, string, string, string) {}
func (Nop) Escalated(context.Context, string, string, string)    {}
func (Nop) DeadLettered(context.Context, string, string, string) {}
func (Nop) OfferReady(context.Context, string, string, float64)  {}
func (Nop) Alert(context.Context, string, string)                {}
