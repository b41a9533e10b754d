package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"audiotracker/internal/model"
)

var asinPattern = regexp.MustCompile(`/pd/(?:[^/?#]+/)?([A-Z0-9]{10})(?:[/?#]|$)`)
var bareASIN = regexp.MustCompile(`^[A-Z0-9]{10}$`)

// FeedSource reads release announcements from RSS or Atom feeds and maps
// them onto catalog products.
type FeedSource struct {
	client  HTTPClient
	timeout time.Duration
	log     *slog.Logger
}

// NewFeedSource creates a FeedSource with the given HTTP client.
func NewFeedSource(client HTTPClient, log *slog.Logger) *FeedSource {
	return &FeedSource{
		client:  client,
		timeout: 30 * time.Second,
		log:     log,
	}
}

// Fetch downloads the feed at url and returns the audiobooks it announces.
// Items without an ASIN and podcast episodes are skipped.
func (f *FeedSource) Fetch(ctx context.Context, url string) ([]model.Audiobook, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "audiotracker/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	var books []model.Audiobook
	for _, item := range feed.Items {
		if isEpisode(item) {
			continue
		}
		book, err := feedItemBook(item)
		if err != nil {
			f.log.Debug("skipping feed item", "url", url, "error", err)
			continue
		}
		books = append(books, book)
	}
	return books, nil
}

// ItemASIN extracts the ASIN from an item's link or GUID.
func ItemASIN(item *gofeed.Item) string {
	for _, link := range append([]string{item.Link}, item.Links...) {
		if m := asinPattern.FindStringSubmatch(link); m != nil {
			return m[1]
		}
	}
	if guid := strings.TrimSpace(item.GUID); bareASIN.MatchString(guid) {
		return guid
	}
	return ""
}

func feedItemBook(item *gofeed.Item) (model.Audiobook, error) {
	asin := ItemASIN(item)
	if asin == "" {
		return model.Audiobook{}, fmt.Errorf("item %q without asin: %w", item.Title, ErrMalformedRecord)
	}

	var author string
	if len(item.Authors) > 0 && item.Authors[0] != nil {
		author = item.Authors[0].Name
	} else if item.ITunesExt != nil {
		author = item.ITunesExt.Author
	}

	return model.Audiobook{
		ASIN:        asin,
		Title:       orUnknown(item.Title),
		Author:      orUnknown(author),
		Narrator:    model.Unknown,
		Publisher:   model.Unknown,
		Series:      model.Unknown,
		ReleaseDate: feedReleaseDate(item),
		Link:        ProductLink(asin),
	}, nil
}

var releaseDateElements = []string{"releaseDate", "release_date"}

// feedReleaseDate prefers a releaseDate element, plain or in any namespace,
// over the publication date. Release feeds usually announce a title when it
// is published, so pubDate is only a fallback.
func feedReleaseDate(item *gofeed.Item) string {
	for _, name := range releaseDateElements {
		if d := parseFeedDate(item.Custom[name]); d != "" {
			return d
		}
		for _, elems := range item.Extensions {
			if vals := elems[name]; len(vals) > 0 {
				if d := parseFeedDate(vals[0].Value); d != "" {
					return d
				}
			}
		}
	}
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC().Format(dateLayout)
	}
	return ""
}

var feedDateLayouts = []string{dateLayout, time.RFC3339, time.RFC1123Z, time.RFC1123}

func parseFeedDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range feedDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(dateLayout)
		}
	}
	return ""
}

func isEpisode(item *gofeed.Item) bool {
	if item.ITunesExt != nil && (item.ITunesExt.Episode != "" || item.ITunesExt.EpisodeType != "") {
		return true
	}
	for _, c := range item.Categories {
		if strings.Contains(strings.ToLower(c), "podcast") {
			return true
		}
	}
	return false
}
