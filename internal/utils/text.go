package utils

import (
	"strings"
	"unicode/utf8"
)

const (
	// MaxTitleLength is the number of characters kept from a query when it becomes a thread title.
	MaxTitleLength = 50
	titleEllipsis  = "..."
)

// CollapseWhitespace replaces every run of whitespace with a single space and trims the ends.
func CollapseWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Truncate returns at most maxRunes characters of text, never splitting a UTF-8 sequence.
func Truncate(text string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	if utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	count := 0
	for i := range text {
		if count == maxRunes {
			return text[:i]
		}
		count++
	}
	return text
}

// RuneLen counts characters, not bytes.
func RuneLen(text string) int {
	return utf8.RuneCountInString(text)
}

// TitleFromQuery derives a thread title: the query itself when short enough,
// otherwise its first MaxTitleLength characters followed by an ellipsis.
func TitleFromQuery(query string) string {
	if RuneLen(query) <= MaxTitleLength {
		return query
	}
	return Truncate(query, MaxTitleLength) + titleEllipsis
}
