package slack

import (
	"context"

	"breakglass/pkg/session"
)

var _ session.Transport = (*Transport)(nil)

// Transport posts session output to a single channel.
type Transport struct {
	client  *Client
	channel string
}

func NewTransport(client *Client, channel string) *Transport {
	return &Transport{client: client, channel: channel}
}

func (t *Transport) PresentList(ctx context.Context, team, requestID string, emails []string) error {
	_, err := t.client.PostMessage(ctx, PreviewMessage(t.channel, team, requestID, emails))
	return err
}

func (t *Transport) OpenEditor(ctx context.Context, trigger, team, requestID string, emails []string) error {
	return t.client.OpenView(ctx, trigger, EditModal(team, requestID, emails))
}

func (t *Transport) OpenTeamPicker(ctx context.Context, trigger string, teams []string) error {
	return t.client.OpenView(ctx, trigger, TeamPicker(teams))
}

func (t *Transport) Acknowledge(ctx context.Context, team string) error {
	return t.Notify(ctx, ProcessingText(team))
}

func (t *Transport) ReportOutcome(ctx context.Context, r session.Report) error {
	return t.Notify(ctx, OutcomeText(r))
}

func (t *Transport) ReportApproval(ctx context.Context, ev session.ApprovalEvent) error {
	return t.Notify(ctx, ApprovalText(ev))
}

func (t *Transport) Notify(ctx context.Context, text string) error {
	_, err := t.client.PostMessage(ctx, TextMessage(t.channel, text))
	return err
}
