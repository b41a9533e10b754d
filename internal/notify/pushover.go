package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"audiotracker/internal/model"
)

const (
	pushoverEndpoint   = "https://api.pushover.net/1/messages.json"
	pushoverMaxMessage = 1024
	pushoverMaxTitle   = 250
)

// Pushover sends digests through the Pushover messages API.
type Pushover struct {
	client   HTTPClient
	endpoint string
	token    string
	userKey  string
	priority int
	sound    string
	maxItems int
}

// NewPushover creates a Pushover channel.
func NewPushover(client HTTPClient, token, userKey string, priority int, sound string, maxItems int) *Pushover {
	return &Pushover{
		client:   client,
		endpoint: pushoverEndpoint,
		token:    token,
		userKey:  userKey,
		priority: priority,
		sound:    sound,
		maxItems: maxItems,
	}
}

func (p *Pushover) Name() string  { return model.ChannelPushover }
func (p *Pushover) MaxItems() int { return p.maxItems }

// Send posts the digest as one message. A single release links to its
// product page.
func (p *Pushover) Send(ctx context.Context, d Digest) error {
	form := url.Values{}
	form.Set("token", p.token)
	form.Set("user", p.userKey)
	form.Set("title", truncate(Subject(d), pushoverMaxTitle))
	form.Set("message", truncate(CompactText(d), pushoverMaxMessage))
	if p.priority != 0 {
		form.Set("priority", strconv.Itoa(p.priority))
	}
	if p.sound != "" {
		form.Set("sound", p.sound)
	}
	if len(d.Books) == 1 && d.Books[0].Link != "" {
		form.Set("url", d.Books[0].Link)
		form.Set("url_title", "Open on Audible")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return connectionError(p.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode != http.StatusOK {
		return statusError(p.Name(), resp)
	}
	return nil
}
