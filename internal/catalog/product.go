package catalog

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"audiotracker/internal/model"
)

type productsResponse struct {
	Products     []product `json:"products"`
	TotalResults int       `json:"total_results"`
}

type productResponse struct {
	Product *product `json:"product"`
}

type product struct {
	ASIN                string      `json:"asin"`
	Title               string      `json:"title"`
	Authors             []person    `json:"authors"`
	Narrators           []person    `json:"narrators"`
	PublisherName       string      `json:"publisher_name"`
	Series              []seriesRef `json:"series"`
	ReleaseDate         string      `json:"release_date"`
	IssueDate           string      `json:"issue_date"`
	Language            string      `json:"language"`
	ContentType         string      `json:"content_type"`
	ContentDeliveryType string      `json:"content_delivery_type"`
}

type person struct {
	ASIN string `json:"asin"`
	Name string `json:"name"`
}

type seriesRef struct {
	ASIN     string `json:"asin"`
	Title    string `json:"title"`
	Sequence string `json:"sequence"`
}

// Names carrying one of these are contributors, not authors.
var contributorRoles = []string{
	"illustrator", "translator", "translated by",
	"editor", "edited by",
	"foreword", "afterword", "introduction", "preface",
	"contributor", "adapter", "adaptor",
	"compiler", "compiled by",
	"cover designer", "cover artist",
	"commentary", "annotated by",
	"revised by", "reviser",
}

var sequencePattern = regexp.MustCompile(`^\d+(\.\d+)?$`)

const dateLayout = "2006-01-02"

// ProductLink returns the store page for asin.
func ProductLink(asin string) string {
	return "https://www.audible.com/pd/" + asin
}

// normalize maps a catalog product onto an Audiobook. Missing optional
// fields become model.Unknown.
func normalize(p product) (model.Audiobook, error) {
	asin := strings.TrimSpace(p.ASIN)
	if asin == "" {
		return model.Audiobook{}, fmt.Errorf("product %q without asin: %w", p.Title, ErrMalformedRecord)
	}

	book := model.Audiobook{
		ASIN:        asin,
		Title:       orUnknown(p.Title),
		Author:      orUnknown(strings.Join(authorNames(p.Authors), ", ")),
		Narrator:    orUnknown(strings.Join(names(p.Narrators), ", ")),
		Publisher:   orUnknown(p.PublisherName),
		Series:      model.Unknown,
		ReleaseDate: releaseDate(p),
		Language:    strings.ToLower(strings.TrimSpace(p.Language)),
		Link:        ProductLink(asin),
	}
	if len(p.Series) > 0 {
		book.Series = orUnknown(p.Series[0].Title)
		if seq := strings.TrimSpace(p.Series[0].Sequence); sequencePattern.MatchString(seq) {
			book.SeriesNumber = seq
		}
	}
	return book, nil
}

func authorNames(people []person) []string {
	var out []string
	for _, a := range people {
		name := strings.TrimSpace(a.Name)
		if name == "" || isContributor(name) {
			continue
		}
		out = append(out, name)
	}
	return out
}

func isContributor(name string) bool {
	lower := strings.ToLower(name)
	for _, role := range contributorRoles {
		if strings.Contains(lower, role) {
			return true
		}
	}
	return false
}

func names(people []person) []string {
	var out []string
	for _, p := range people {
		if name := strings.TrimSpace(p.Name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func releaseDate(p product) string {
	for _, raw := range []string{p.ReleaseDate, p.IssueDate} {
		raw = strings.TrimSpace(raw)
		if len(raw) < len(dateLayout) {
			continue
		}
		if _, err := time.Parse(dateLayout, raw[:len(dateLayout)]); err == nil {
			return raw[:len(dateLayout)]
		}
	}
	return ""
}

func orUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return model.Unknown
	}
	return s
}

// skipReason returns why p is not an audiobook in the wanted language,
// or "" when it should be kept.
func skipReason(p product, language string) string {
	for _, v := range []string{p.ContentType, p.ContentDeliveryType} {
		v = strings.ToLower(v)
		if strings.Contains(v, "podcast") || strings.Contains(v, "episode") {
			return "podcast"
		}
	}
	lang := strings.ToLower(strings.TrimSpace(p.Language))
	if language != "" && lang != "" && lang != language {
		return "language"
	}
	return ""
}
