package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/h2non/gock"

	"audiotracker/internal/model"
)

// captureBody records the request body and headers for inspection.
func captureBody(body *[]byte, header *http.Header) gock.MatchFunc {
	return func(req *http.Request, _ *gock.Request) (bool, error) {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return false, err
		}
		req.Body = io.NopCloser(bytes.NewReader(b))
		*body = b
		if header != nil {
			*header = req.Header.Clone()
		}
		return true, nil
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain network error", err: errors.New("connection reset"), want: true},
		{name: "transient delivery", err: &DeliveryError{Transient: true}, want: true},
		{name: "permanent delivery", err: &DeliveryError{Code: ErrorCodeAuthFailed}, want: false},
		{name: "wrapped permanent", err: fmt.Errorf("send: %w", &DeliveryError{}), want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "request timeout", err: fmt.Errorf("post: %w", context.DeadlineExceeded), want: true},
		{name: "timed out connection", err: connectionError(model.ChannelNtfy, fmt.Errorf("post: %w", context.DeadlineExceeded)), want: true},
		{name: "canceled delivery", err: &DeliveryError{Err: context.Canceled}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status        int
		wantCode      string
		wantTransient bool
	}{
		{http.StatusBadRequest, ErrorCodeRejected, false},
		{http.StatusUnauthorized, ErrorCodeAuthFailed, false},
		{http.StatusForbidden, ErrorCodeAuthFailed, false},
		{http.StatusNotFound, ErrorCodeNotFound, false},
		{http.StatusRequestEntityTooLarge, ErrorCodeContentTooLarge, false},
		{http.StatusTooManyRequests, ErrorCodeRateLimited, true},
		{http.StatusInternalServerError, ErrorCodeServerError, true},
		{http.StatusBadGateway, ErrorCodeServerError, true},
	}

	for _, tt := range tests {
		code, transient := classifyHTTPStatus(tt.status)
		if code != tt.wantCode || transient != tt.wantTransient {
			t.Errorf("classifyHTTPStatus(%d) = %s, %v; want %s, %v",
				tt.status, code, transient, tt.wantCode, tt.wantTransient)
		}
	}
}

func TestPushoverSend(t *testing.T) {
	defer gock.Off()

	var body []byte
	gock.New("https://api.pushover.net").
		Post("/1/messages.json").
		MatchHeader("Content-Type", "application/x-www-form-urlencoded").
		AddMatcher(captureBody(&body, nil)).
		Reply(http.StatusOK).
		JSON(map[string]any{"status": 1})

	p := NewPushover(http.DefaultClient, "app-token", "user-key", 1, "magic", 20)
	if err := p.Send(context.Background(), NewDigest([]model.Audiobook{skySaga5()}, p.MaxItems())); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if !gock.IsDone() {
		t.Fatal("pushover endpoint was not called")
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		t.Fatalf("parse form: %v", err)
	}
	want := map[string]string{
		"token":     "app-token",
		"user":      "user-key",
		"title":     "New audiobook release",
		"message":   "• Sky Saga, Vol. 5 by Jane Doe (2026-11-10)",
		"priority":  "1",
		"sound":     "magic",
		"url":       "https://www.audible.com/pd/B0SKY00005",
		"url_title": "Open on Audible",
	}
	for k, v := range want {
		if got := form.Get(k); got != v {
			t.Errorf("form[%s] = %q, want %q", k, got, v)
		}
	}
}

func TestPushoverBatchHasNoLink(t *testing.T) {
	defer gock.Off()

	var body []byte
	gock.New("https://api.pushover.net").
		Post("/1/messages.json").
		AddMatcher(captureBody(&body, nil)).
		Reply(http.StatusOK)

	p := NewPushover(http.DefaultClient, "t", "u", 0, "", 20)
	if err := p.Send(context.Background(), NewDigest([]model.Audiobook{skySaga5(), quietOrbit()}, 20)); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	form, _ := url.ParseQuery(string(body))
	if form.Has("url") || form.Has("priority") || form.Has("sound") {
		t.Errorf("unexpected optional fields in %v", form)
	}
	if got := form.Get("title"); got != "2 new audiobook releases" {
		t.Errorf("title = %q", got)
	}
}

func TestPushoverErrors(t *testing.T) {
	tests := []struct {
		name           string
		status         int
		retryAfter     string
		wantCode       string
		wantTransient  bool
		wantRetryAfter time.Duration
	}{
		{name: "bad token", status: http.StatusBadRequest, wantCode: ErrorCodeRejected},
		{name: "unauthorized", status: http.StatusUnauthorized, wantCode: ErrorCodeAuthFailed},
		{name: "rate limited", status: http.StatusTooManyRequests, retryAfter: "7", wantCode: ErrorCodeRateLimited, wantTransient: true, wantRetryAfter: 7 * time.Second},
		{name: "server error", status: http.StatusServiceUnavailable, wantCode: ErrorCodeServerError, wantTransient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer gock.Off()
			reply := gock.New("https://api.pushover.net").Post("/1/messages.json").Reply(tt.status)
			if tt.retryAfter != "" {
				reply.SetHeader("Retry-After", tt.retryAfter)
			}

			p := NewPushover(http.DefaultClient, "t", "u", 0, "", 20)
			err := p.Send(context.Background(), NewDigest([]model.Audiobook{skySaga5()}, 20))

			var de *DeliveryError
			if !errors.As(err, &de) {
				t.Fatalf("Send() error = %v, want DeliveryError", err)
			}
			if de.Channel != model.ChannelPushover || de.Code != tt.wantCode || de.Transient != tt.wantTransient {
				t.Errorf("DeliveryError = %+v, want code %s transient %v", de, tt.wantCode, tt.wantTransient)
			}
			if de.RetryAfter != tt.wantRetryAfter {
				t.Errorf("RetryAfter = %v, want %v", de.RetryAfter, tt.wantRetryAfter)
			}
		})
	}
}

func TestPushoverConnectionError(t *testing.T) {
	defer gock.Off()
	gock.New("https://api.pushover.net").
		Post("/1/messages.json").
		ReplyError(errors.New("connection refused"))

	p := NewPushover(http.DefaultClient, "t", "u", 0, "", 20)
	err := p.Send(context.Background(), NewDigest([]model.Audiobook{skySaga5()}, 20))

	var de *DeliveryError
	if !errors.As(err, &de) || de.Code != ErrorCodeConnectionFailed || !de.Transient {
		t.Errorf("Send() error = %v, want transient connection failure", err)
	}
}

func TestDiscordSend(t *testing.T) {
	defer gock.Off()

	var body []byte
	gock.New("https://discord.com").
		Post("/api/webhooks/123/abc").
		MatchHeader("Content-Type", "application/json").
		AddMatcher(captureBody(&body, nil)).
		Reply(http.StatusNoContent)

	c := NewDiscord(http.DefaultClient, "https://discord.com/api/webhooks/123/abc", 2)
	books := []model.Audiobook{skySaga5(), quietOrbit(), {ASIN: "B0THIRD001", Title: "Third"}}
	if err := c.Send(context.Background(), NewDigest(books, c.MaxItems())); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	var got discordPayload
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(got.Embeds) != 1 {
		t.Fatalf("got %d embeds, want 1", len(got.Embeds))
	}
	embed := got.Embeds[0]
	if embed.Title != "3 new audiobook releases" {
		t.Errorf("title = %q", embed.Title)
	}
	var names []string
	for _, f := range embed.Fields {
		names = append(names, f.Name)
	}
	if diff := cmp.Diff([]string{"Sky Saga, Vol. 5", "The Quiet Orbit (Orbit Cycle #2)"}, names); diff != "" {
		t.Errorf("field names mismatch (-want +got):\n%s", diff)
	}
	if embed.Footer == nil || embed.Footer.Text != "…and 1 more" {
		t.Errorf("footer = %+v, want more line", embed.Footer)
	}
}

func TestDiscordSingleRelease(t *testing.T) {
	c := NewDiscord(http.DefaultClient, "https://discord.com/api/webhooks/1/x", 0)
	if c.MaxItems() != discordMaxFields {
		t.Errorf("MaxItems() = %d, want %d", c.MaxItems(), discordMaxFields)
	}

	p := c.payload(NewDigest([]model.Audiobook{{ASIN: "B0BARE0001", Title: "Bare"}}, 25))
	embed := p.Embeds[0]
	if embed.Footer == nil || embed.Footer.Text != "ASIN: B0BARE0001" {
		t.Errorf("footer = %+v, want ASIN", embed.Footer)
	}
	if embed.Fields[0].Value != "-" {
		t.Errorf("empty field value = %q, want placeholder", embed.Fields[0].Value)
	}
}

func TestDiscordNotFound(t *testing.T) {
	defer gock.Off()
	gock.New("https://discord.com").Post("/api/webhooks/123/gone").Reply(http.StatusNotFound)

	c := NewDiscord(http.DefaultClient, "https://discord.com/api/webhooks/123/gone", 25)
	err := c.Send(context.Background(), NewDigest([]model.Audiobook{skySaga5()}, 25))
	if IsTransient(err) {
		t.Errorf("Send() error = %v, want permanent", err)
	}
}

func TestNtfySend(t *testing.T) {
	defer gock.Off()

	var body []byte
	var header http.Header
	gock.New("https://ntfy.example.com").
		Post("/audiobooks").
		AddMatcher(captureBody(&body, &header)).
		Reply(http.StatusOK)

	n := NewNtfy(http.DefaultClient, "https://ntfy.example.com/", "audiobooks", "tk_secret", 20)
	if err := n.Send(context.Background(), NewDigest([]model.Audiobook{skySaga5()}, 20)); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if got := string(body); got != "• Sky Saga, Vol. 5 by Jane Doe (2026-11-10)" {
		t.Errorf("body = %q", got)
	}
	wantHeaders := map[string]string{
		"Title":         "New audiobook release",
		"Tags":          "books,headphones",
		"Click":         "https://www.audible.com/pd/B0SKY00005",
		"Authorization": "Bearer tk_secret",
	}
	for k, v := range wantHeaders {
		if got := header.Get(k); got != v {
			t.Errorf("header %s = %q, want %q", k, got, v)
		}
	}
}

func TestNtfyServerError(t *testing.T) {
	defer gock.Off()
	gock.New("https://ntfy.sh").Post("/books").Reply(http.StatusBadGateway)

	n := NewNtfy(http.DefaultClient, "https://ntfy.sh", "books", "", 20)
	err := n.Send(context.Background(), NewDigest([]model.Audiobook{skySaga5()}, 20))
	if !IsTransient(err) {
		t.Errorf("Send() error = %v, want transient", err)
	}
}
