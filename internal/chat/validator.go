package chat

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxURLs         = 3    // links allowed in one message
)

var urlPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)

// CountURLs returns the number of links in text.
func CountURLs(text string) int {
	return len(urlPattern.FindAllStringIndex(text, -1))
}

// ValidateMessage checks that a chat message meets content requirements:
// non-blank, valid UTF-8 within the frame limit, and at most maxURLs links.
// It runs before classification; the character cap is a moderation verdict.
func ValidateMessage(text string, maxURLs int) error {
	if strings.TrimSpace(text) == "" {
		return &ValidationError{Field: "text", Reason: "message text is empty"}
	}
	if len(text) > MaxMessageBytes {
		return &ValidationError{Field: "text", Reason: fmt.Sprintf("message exceeds %d byte limit", MaxMessageBytes)}
	}
	if !utf8.ValidString(text) {
		return &ValidationError{Field: "text", Reason: "message contains invalid UTF-8"}
	}
	if maxURLs > 0 && CountURLs(text) > maxURLs {
		return &ValidationError{Field: "text", Reason: fmt.Sprintf("message contains more than %d links", maxURLs)}
	}
	return nil
}
