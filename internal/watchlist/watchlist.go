// Package watchlist loads the audiobooks a user wants to follow.
package watchlist

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"audiotracker/internal/model"
)

// ErrEmpty is returned when the file declares no authors.
var ErrEmpty = errors.New("watch-list declares no authors")

// Author groups the watch items declared under one author.
type Author struct {
	Name  string
	Items []model.WatchItem
}

type document struct {
	Audiobooks struct {
		Author map[string][]entry `yaml:"author"`
	} `yaml:"audiobooks"`
}

type entry struct {
	Title     string   `yaml:"title"`
	Series    string   `yaml:"series"`
	Publisher string   `yaml:"publisher"`
	Narrator  nameList `yaml:"narrator"`
}

// nameList accepts a single string or a sequence of strings.
type nameList []string

func (n *nameList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*n = splitNames([]string{s})
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*n = splitNames(list)
		return nil
	}
	return fmt.Errorf("line %d: narrator must be a string or a list", value.Line)
}

func splitNames(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Load reads the watch-list file at path.
func Load(path string) ([]Author, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("open watch-list: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Parse decodes a watch-list. Authors are returned sorted by name; an
// author with no entries is watched by name alone.
func Parse(r io.Reader) ([]Author, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("decode watch-list: %w", err)
	}

	var authors []Author
	for name, entries := range doc.Audiobooks.Author {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("watch-list: empty author name")
		}
		a := Author{Name: name}
		for _, e := range entries {
			a.Items = append(a.Items, model.WatchItem{
				Author:    name,
				Title:     strings.TrimSpace(e.Title),
				Series:    strings.TrimSpace(e.Series),
				Publisher: strings.TrimSpace(e.Publisher),
				Narrators: []string(e.Narrator),
			})
		}
		if len(a.Items) == 0 {
			a.Items = []model.WatchItem{{Author: name}}
		}
		authors = append(authors, a)
	}
	if len(authors) == 0 {
		return nil, ErrEmpty
	}
	sort.Slice(authors, func(i, j int) bool { return authors[i].Name < authors[j].Name })
	return authors, nil
}
