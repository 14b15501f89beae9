package icy

import "strings"

// TitleSeparator splits a combined "Artist - Song" stream title.
const TitleSeparator = " - "

// Metadata is one decoded in-band metadata block.
type Metadata struct {
	StreamTitle string
}

// parseMetadata decodes a raw metadata block. Blocks look like
// "StreamTitle='Pink Floyd - Time';StreamUrl='';" padded with NULs.
func parseMetadata(b []byte) *Metadata {
	m := &Metadata{}

	s := strings.TrimRight(string(b), "\x00")
	const key = "StreamTitle='"
	start := strings.Index(s, key)
	if start < 0 {
		return m
	}
	rest := s[start+len(key):]
	if end := strings.Index(rest, "';"); end >= 0 {
		m.StreamTitle = rest[:end]
	} else {
		m.StreamTitle = strings.TrimSuffix(rest, "'")
	}

	return m
}

// Equals reports whether two metadata blocks carry the same title.
func (m *Metadata) Equals(other *Metadata) bool {
	if other == nil {
		return false
	}
	return m.StreamTitle == other.StreamTitle
}

// SplitTitle splits a stream title into artist and song on the first
// " - " separator. Titles without a separator are all song.
func SplitTitle(title string) (artist, song string) {
	if i := strings.Index(title, TitleSeparator); i >= 0 {
		return title[:i], title[i+len(TitleSeparator):]
	}
	return "", title
}
