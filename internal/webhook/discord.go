package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
)

// Discord handles Discord webhook notifications
type Discord struct {
	client *http.Client
}

// NewDiscord creates a new Discord webhook handler
func NewDiscord() *Discord {
	return &Discord{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

// EmbedField represents a field in a Discord embed
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// EmbedFooter represents the footer of a Discord embed
type EmbedFooter struct {
	Text string `json:"text"`
}

// DiscordPayload represents the webhook payload
type DiscordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// SendItemFailure posts a queue item that ended in the error state
func (d *Discord) SendItemFailure(ctx context.Context, webhookURL string, item *db.QueueItem, message string, at time.Time) error {
	embed := DiscordEmbed{
		Title:       fmt.Sprintf("❌ Queue item failed: %s", itemLabel(item)),
		Description: fmt.Sprintf("```\n%s\n```", truncate(message, 1500)),
		Color:       0xFF0000,
		Fields: []EmbedField{
			{Name: "Type", Value: string(item.Type), Inline: true},
			{Name: "Retries", Value: fmt.Sprintf("%d/%d", item.RetryCount, db.MaxRetries), Inline: true},
			{Name: "Source", Value: fmt.Sprintf("`%s`", item.SourceID), Inline: true},
			{Name: "Branch", Value: fmt.Sprintf("`%s`", item.Branch), Inline: true},
		},
		Timestamp: at.UTC().Format(time.RFC3339),
		Footer:    &EmbedFooter{Text: "Jules Queue Scheduler"},
	}

	return d.send(ctx, webhookURL, DiscordPayload{Embeds: []DiscordEmbed{embed}})
}

func (d *Discord) send(ctx context.Context, webhookURL string, payload DiscordPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return post(ctx, d.client, webhookURL, data)
}

func post(ctx context.Context, client *http.Client, webhookURL string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// itemLabel names an item by the start of its prompt or head subtask
func itemLabel(item *db.QueueItem) string {
	text := ""
	switch item.Type {
	case db.ItemTypeSingle:
		if item.Prompt != nil {
			text = *item.Prompt
		}
	case db.ItemTypeSubtasks:
		if len(item.Remaining) > 0 {
			text = item.Remaining[0].FullContent
		}
	}
	if text == "" {
		return item.ID
	}
	return truncate(firstLine(text), 80)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
