package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"audiotracker/internal/model"
)

const (
	discordMaxFields     = 25
	discordMaxFieldName  = 256
	discordMaxFieldValue = 1024
	discordColor         = 0xF7991C
)

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
	Footer      *discordFooter `json:"footer,omitempty"`
}

type discordField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type discordFooter struct {
	Text string `json:"text"`
}

// Discord posts digests to a Discord webhook as a single embed.
type Discord struct {
	client     HTTPClient
	webhookURL string
	maxItems   int
}

// NewDiscord creates a Discord channel. maxItems is capped at the embed
// field limit.
func NewDiscord(client HTTPClient, webhookURL string, maxItems int) *Discord {
	if maxItems <= 0 || maxItems > discordMaxFields {
		maxItems = discordMaxFields
	}
	return &Discord{client: client, webhookURL: webhookURL, maxItems: maxItems}
}

func (c *Discord) Name() string  { return model.ChannelDiscord }
func (c *Discord) MaxItems() int { return c.maxItems }

// Send posts the digest.
func (c *Discord) Send(ctx context.Context, d Digest) error {
	body, err := json.Marshal(c.payload(d))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return connectionError(c.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	// Webhooks answer 204 unless ?wait=true is set.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return statusError(c.Name(), resp)
	}
	return nil
}

func (c *Discord) payload(d Digest) discordPayload {
	embed := discordEmbed{
		Title: Subject(d),
		Color: discordColor,
	}
	for _, b := range d.Books {
		value := strings.Join(details(b), "\n")
		if b.Link != "" {
			value += fmt.Sprintf("\n[Open on Audible](%s)", b.Link)
		}
		value = strings.TrimSpace(value)
		if value == "" {
			value = "-"
		}
		embed.Fields = append(embed.Fields, discordField{
			Name:  truncate(DisplayTitle(b), discordMaxFieldName),
			Value: truncate(value, discordMaxFieldValue),
		})
	}
	if len(d.Books) == 1 {
		embed.URL = d.Books[0].Link
		embed.Footer = &discordFooter{Text: "ASIN: " + d.Books[0].ASIN}
	}
	if d.Omitted > 0 {
		embed.Footer = &discordFooter{Text: moreLine(d.Omitted)}
	}
	return discordPayload{Username: "Audiobook Tracker", Embeds: []discordEmbed{embed}}
}
