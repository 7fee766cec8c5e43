package models

import "strings"

// ParseTag splits a leading "[tag]" segment from a title. The segment must be
// followed by a space and a non-empty title, or end the title; anything else yields an
// empty tag and the title unchanged, so RenderTitle(ParseTag(x)) == x.
func ParseTag(full string) (tag, title string) {
	if !strings.HasPrefix(full, "[") {
		return "", full
	}
	end := strings.IndexByte(full, ']')
	if end < 2 {
		return "", full
	}
	tag = full[1:end]
	if strings.ContainsRune(tag, '[') {
		return "", full
	}
	rest := full[end+1:]
	switch {
	case rest == "":
		return tag, ""
	case rest[0] == ' ' && len(rest) > 1:
		return tag, rest[1:]
	default:
		return "", full
	}
}

// RenderTitle is the inverse of ParseTag.
func RenderTitle(tag, title string) string {
	if tag == "" {
		return title
	}
	if title == "" {
		return "[" + tag + "]"
	}
	return "[" + tag + "] " + title
}
