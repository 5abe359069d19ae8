package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
)

// Slack handles Slack webhook notifications
type Slack struct {
	client *http.Client
}

// NewSlack creates a new Slack webhook handler
func NewSlack() *Slack {
	return &Slack{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type     string         `json:"type"`
	Text     *SlackTextObj  `json:"text,omitempty"`
	Fields   []SlackTextObj `json:"fields,omitempty"`
	Elements []SlackElement `json:"elements,omitempty"`
}

// SlackTextObj represents a Slack text object
type SlackTextObj struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// SlackElement represents a Slack element (for context blocks)
type SlackElement struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SlackAttachment represents a Slack attachment (for colored sidebar)
type SlackAttachment struct {
	Color  string       `json:"color"`
	Blocks []SlackBlock `json:"blocks"`
}

// SlackPayload represents the webhook payload
type SlackPayload struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SendItemFailure posts a queue item that ended in the error state
func (s *Slack) SendItemFailure(ctx context.Context, webhookURL string, item *db.QueueItem, message string, at time.Time) error {
	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObj{
				Type:  "plain_text",
				Text:  fmt.Sprintf(":x: Queue item failed: %s", itemLabel(item)),
				Emoji: true,
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObj{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Type:*\n%s", item.Type)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Retries:*\n%d/%d", item.RetryCount, db.MaxRetries)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Source:*\n`%s`", item.SourceID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Failed:*\n<!date^%d^{date_short} {time}|%s>", at.Unix(), at.UTC().Format(time.RFC3339))},
			},
		},
		{
			Type: "section",
			Text: &SlackTextObj{
				Type: "mrkdwn",
				Text: fmt.Sprintf(":warning: *Error:*\n```%s```", truncate(message, 500)),
			},
		},
		{
			Type: "context",
			Elements: []SlackElement{
				{Type: "mrkdwn", Text: "Jules Queue Scheduler"},
			},
		},
	}

	payload := SlackPayload{
		Attachments: []SlackAttachment{
			{
				Color:  "#FF0000",
				Blocks: blocks,
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return post(ctx, s.client, webhookURL, data)
}
