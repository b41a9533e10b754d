package match

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	volumePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:vol(?:ume)?|book|part)\.?\s*(\d+(?:\.\d+)?)`),
		regexp.MustCompile(`#\s*(\d+(?:\.\d+)?)`),
		regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*\((?:light novel|ln)\)`),
		regexp.MustCompile(`(\d+(?:\.\d+)?)\s*$`),
	}
	volumeMarkers = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:vol(?:ume)?|book|part)\.?\s*\d+(?:\.\d+)?`),
		regexp.MustCompile(`#\s*\d+(?:\.\d+)?`),
		regexp.MustCompile(`(?i)\((?:light novel|ln)\)`),
		regexp.MustCompile(`\d+(?:\.\d+)?\s*$`),
	}
)

// Normalize lower-cases s, folds diacritics, drops punctuation and
// collapses whitespace.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// ExtractVolume returns the volume number in title. "Vol. 4" and
// "Vol. 4.5" yield distinct values.
func ExtractVolume(title string) (float64, bool) {
	for _, re := range volumePatterns {
		m := re.FindStringSubmatch(title)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		return v, true
	}
	return 0, false
}

// FormatVolume renders a volume without trailing zeros.
func FormatVolume(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// TitleKey strips volume markers from title so every volume of a series
// maps to the same key.
func TitleKey(title string) string {
	for _, re := range volumeMarkers {
		title = re.ReplaceAllString(title, " ")
	}
	return Normalize(title)
}

// Similarity scores two strings in [0,1]: the larger of the normalized
// edit-distance ratio and the cosine of their word counts.
func Similarity(a, b string) float64 {
	a, b = Normalize(a), Normalize(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	return math.Max(editRatio(a, b), tokenCosine(a, b))
}

func editRatio(a, b string) float64 {
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

func tokenCosine(a, b string) float64 {
	ta, tb := tokenCounts(a), tokenCounts(b)
	var dot, na, nb float64
	for tok, ca := range ta {
		na += float64(ca * ca)
		dot += float64(ca * tb[tok])
	}
	for _, cb := range tb {
		nb += float64(cb * cb)
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func tokenCounts(s string) map[string]int {
	counts := make(map[string]int)
	for _, tok := range strings.Fields(s) {
		counts[tok]++
	}
	return counts
}

// splitNames splits a comma-joined contributor list.
func splitNames(s string) []string {
	var out []string
	for _, n := range strings.Split(s, ",") {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}
