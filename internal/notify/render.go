package notify

import (
	"fmt"
	"html/template"
	"strings"

	"audiotracker/internal/model"
)

// Subject is the headline of a digest.
func Subject(d Digest) string {
	if d.Total() == 1 {
		return "New audiobook release"
	}
	return fmt.Sprintf("%d new audiobook releases", d.Total())
}

// DisplayTitle renders "Title (Series #N)" when the series is known and not
// already part of the title.
func DisplayTitle(b model.Audiobook) string {
	if !model.Known(b.Series) || strings.Contains(strings.ToLower(b.Title), strings.ToLower(b.Series)) {
		return b.Title
	}
	if b.SeriesNumber != "" {
		return fmt.Sprintf("%s (%s #%s)", b.Title, b.Series, b.SeriesNumber)
	}
	return fmt.Sprintf("%s (%s)", b.Title, b.Series)
}

func moreLine(n int) string {
	return fmt.Sprintf("…and %d more", n)
}

// details lists the known attributes of b, one per line.
func details(b model.Audiobook) []string {
	var lines []string
	if model.Known(b.Author) {
		lines = append(lines, "Author: "+b.Author)
	}
	if model.Known(b.Narrator) {
		lines = append(lines, "Narrator: "+b.Narrator)
	}
	if model.Known(b.Publisher) {
		lines = append(lines, "Publisher: "+b.Publisher)
	}
	if b.ReleaseDate != "" {
		lines = append(lines, "Release Date: "+b.ReleaseDate)
	}
	return lines
}

// PlainText renders the digest for text-only channels.
func PlainText(d Digest) string {
	var b strings.Builder
	for i, book := range d.Books {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(DisplayTitle(book))
		for _, line := range details(book) {
			b.WriteString("\n")
			b.WriteString(line)
		}
		if book.Link != "" {
			b.WriteString("\n")
			b.WriteString(book.Link)
		}
	}
	if d.Omitted > 0 {
		b.WriteString("\n\n")
		b.WriteString(moreLine(d.Omitted))
	}
	return b.String()
}

// CompactText renders one line per release, for channels with tight
// length limits.
func CompactText(d Digest) string {
	var b strings.Builder
	for i, book := range d.Books {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "• %s", DisplayTitle(book))
		if model.Known(book.Author) {
			fmt.Fprintf(&b, " by %s", book.Author)
		}
		if book.ReleaseDate != "" {
			fmt.Fprintf(&b, " (%s)", book.ReleaseDate)
		}
	}
	if d.Omitted > 0 {
		b.WriteString("\n")
		b.WriteString(moreLine(d.Omitted))
	}
	return b.String()
}

var htmlDigest = template.Must(template.New("digest").Funcs(template.FuncMap{
	"display": DisplayTitle,
	"details": details,
	"more":    moreLine,
}).Parse(`<html><body>
<h2>{{.Subject}}</h2>
<ul>
{{- range .Digest.Books}}
<li><a href="{{.Link}}"><strong>{{display .}}</strong></a>{{range details .}}<br>{{.}}{{end}}</li>
{{- end}}
</ul>
{{- if .Digest.Omitted}}
<p>{{more .Digest.Omitted}}</p>
{{- end}}
</body></html>
`))

// HTML renders the digest as an HTML document.
func HTML(d Digest) (string, error) {
	var b strings.Builder
	err := htmlDigest.Execute(&b, struct {
		Subject string
		Digest  Digest
	}{Subject(d), d})
	if err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return b.String(), nil
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
