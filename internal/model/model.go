// Package model defines the domain types used across the application.
package model

import (
	"slices"
	"time"
)

// Unknown is stored for optional catalog fields that were missing.
const Unknown = "N/A"

// Notification channel names.
const (
	ChannelPushover = "pushover"
	ChannelDiscord  = "discord"
	ChannelTelegram = "telegram"
	ChannelEmail    = "email"
	ChannelNtfy     = "ntfy"
)

// WatchItem is a single entry of the watch-list. Author is always set.
type WatchItem struct {
	Author    string
	Title     string
	Series    string
	Publisher string
	Narrators []string
}

// Audiobook is a catalog release that matched a watch item.
type Audiobook struct {
	ASIN         string
	Title        string
	Author       string
	Narrator     string
	Publisher    string
	Series       string
	SeriesNumber string
	ReleaseDate  string
	Language     string
	Link         string
	Confidence   float64
	NeedsReview  bool
	FirstSeen    time.Time
	LastChecked  time.Time
	Notified     ChannelSet
}

// Known reports whether v carries a real value.
func Known(v string) bool {
	return v != "" && v != Unknown
}

// MatchResult is one candidate that scored against a watch item.
type MatchResult struct {
	Candidate     Audiobook
	Confidence    float64
	MatchedFields []string
	Volume        string
	Preferred     bool
}

// ChannelSet is an immutable set of channel names. The zero value is empty.
type ChannelSet struct {
	names []string
}

// NewChannelSet returns a set holding the given channel names.
func NewChannelSet(names ...string) ChannelSet {
	var s ChannelSet
	for _, n := range names {
		s = s.With(n)
	}
	return s
}

// With returns a set that also contains name. The receiver is unchanged.
func (s ChannelSet) With(name string) ChannelSet {
	i, found := slices.BinarySearch(s.names, name)
	if found {
		return s
	}
	names := make([]string, 0, len(s.names)+1)
	names = append(names, s.names[:i]...)
	names = append(names, name)
	names = append(names, s.names[i:]...)
	return ChannelSet{names: names}
}

// Has reports whether name is in the set.
func (s ChannelSet) Has(name string) bool {
	_, found := slices.BinarySearch(s.names, name)
	return found
}

// Names returns the sorted channel names.
func (s ChannelSet) Names() []string {
	return slices.Clone(s.names)
}

// Len returns the number of channels in the set.
func (s ChannelSet) Len() int {
	return len(s.names)
}

// Equal reports whether both sets hold the same channels.
func (s ChannelSet) Equal(o ChannelSet) bool {
	return slices.Equal(s.names, o.names)
}
