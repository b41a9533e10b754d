package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"audiotracker/internal/model"
)

// Ntfy publishes digests to an ntfy topic.
type Ntfy struct {
	client   HTTPClient
	endpoint string
	token    string
	maxItems int
}

// NewNtfy creates an ntfy channel publishing to server/topic.
func NewNtfy(client HTTPClient, server, topic, token string, maxItems int) *Ntfy {
	return &Ntfy{
		client:   client,
		endpoint: strings.TrimRight(server, "/") + "/" + topic,
		token:    token,
		maxItems: maxItems,
	}
}

func (n *Ntfy) Name() string  { return model.ChannelNtfy }
func (n *Ntfy) MaxItems() int { return n.maxItems }

// Send publishes the digest as one message.
func (n *Ntfy) Send(ctx context.Context, d Digest) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(CompactText(d)))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("Title", Subject(d))
	req.Header.Set("Tags", "books,headphones")
	if len(d.Books) == 1 && d.Books[0].Link != "" {
		req.Header.Set("Click", d.Books[0].Link)
	}
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return connectionError(n.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(n.Name(), resp)
	}
	return nil
}
