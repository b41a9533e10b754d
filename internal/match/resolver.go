// Package match scores catalog candidates against watch-list items.
package match

import (
	"math"
	"slices"

	"audiotracker/internal/model"
)

// Matched field names.
const (
	FieldTitle     = "title"
	FieldAuthor    = "author"
	FieldSeries    = "series"
	FieldPublisher = "publisher"
	FieldNarrator  = "narrator"
)

// Weights are the relative contributions of each field to confidence.
type Weights struct {
	Title     float64
	Author    float64
	Series    float64
	Publisher float64
	Narrator  float64
}

// DefaultWeights favour title, then author, then series.
var DefaultWeights = Weights{Title: 0.5, Author: 0.3, Series: 0.2, Publisher: 0.1, Narrator: 0.1}

// DefaultFieldFloors are the per-field similarities below which a field
// earns no credit.
var DefaultFieldFloors = Weights{Title: 0.70, Author: 0.75, Series: 0.70, Publisher: 0.80, Narrator: 0.90}

// Resolver turns a candidate set into scored matches.
type Resolver struct {
	reviewFloor    float64
	preferredFloor float64
	weights        Weights
	fieldFloors    Weights
}

// NewResolver creates a Resolver. Matches at or above reviewFloor are
// returned; those at or above preferredFloor are marked preferred.
func NewResolver(reviewFloor, preferredFloor float64) *Resolver {
	return &Resolver{
		reviewFloor:    reviewFloor,
		preferredFloor: preferredFloor,
		weights:        DefaultWeights,
		fieldFloors:    DefaultFieldFloors,
	}
}

// Resolve returns every candidate scoring at least the review floor,
// highest confidence first. Candidates with equal confidence keep their
// input order. Several volumes of one series may all match.
func (r *Resolver) Resolve(item model.WatchItem, candidates []model.Audiobook) []model.MatchResult {
	var results []model.MatchResult
	for _, c := range candidates {
		conf, fields := r.Score(item, c)
		if conf < r.reviewFloor {
			continue
		}
		results = append(results, model.MatchResult{
			Candidate:     c,
			Confidence:    conf,
			MatchedFields: fields,
			Volume:        volume(c),
			Preferred:     conf >= r.preferredFloor,
		})
	}
	slices.SortStableFunc(results, func(a, b model.MatchResult) int {
		switch {
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		}
		return 0
	})
	return results
}

// Score computes the weighted confidence of c for item over the fields the
// item sets. Author is always scored.
func (r *Resolver) Score(item model.WatchItem, c model.Audiobook) (float64, []string) {
	type field struct {
		name   string
		weight float64
		floor  float64
		sim    float64
	}
	fields := []field{
		{FieldAuthor, r.weights.Author, r.fieldFloors.Author, bestOf([]string{item.Author}, splitNames(c.Author))},
	}
	if item.Title != "" {
		fields = append(fields, field{FieldTitle, r.weights.Title, r.fieldFloors.Title, titleSimilarity(item.Title, c.Title)})
	}
	if item.Series != "" {
		fields = append(fields, field{FieldSeries, r.weights.Series, r.fieldFloors.Series, seriesSimilarity(item.Series, c)})
	}
	if item.Publisher != "" {
		fields = append(fields, field{FieldPublisher, r.weights.Publisher, r.fieldFloors.Publisher, knownSimilarity(item.Publisher, c.Publisher)})
	}
	if len(item.Narrators) > 0 {
		fields = append(fields, field{FieldNarrator, r.weights.Narrator, r.fieldFloors.Narrator, bestOf(item.Narrators, splitNames(c.Narrator))})
	}

	var total, weight float64
	var matched []string
	for _, f := range fields {
		weight += f.weight
		if f.sim < f.floor {
			continue
		}
		total += f.weight * f.sim
		matched = append(matched, f.name)
	}
	if weight == 0 {
		return 0, nil
	}
	return math.Min(1, total/weight), matched
}

func titleSimilarity(want, got string) float64 {
	if !model.Known(got) {
		return 0
	}
	return math.Max(Similarity(want, got), Similarity(TitleKey(want), TitleKey(got)))
}

// The catalog sometimes omits the series; the volume-stripped title then
// stands in for it.
func seriesSimilarity(want string, c model.Audiobook) float64 {
	sim := knownSimilarity(want, c.Series)
	if model.Known(c.Title) {
		sim = math.Max(sim, Similarity(want, TitleKey(c.Title)))
	}
	return sim
}

func knownSimilarity(want, got string) float64 {
	if !model.Known(got) {
		return 0
	}
	return Similarity(want, got)
}

func bestOf(wants, gots []string) float64 {
	var best float64
	for _, w := range wants {
		for _, g := range gots {
			if !model.Known(g) {
				continue
			}
			best = math.Max(best, Similarity(w, g))
		}
	}
	return best
}

func volume(c model.Audiobook) string {
	if v, ok := ExtractVolume(c.Title); ok {
		return FormatVolume(v)
	}
	return c.SeriesNumber
}
