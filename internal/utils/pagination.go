// Package utils holds small helpers shared across layers that carry no
// domain or business logic.
package utils

import "strconv"

// AtoiDefault parses s as an int, returning def when s is empty or not a
// valid integer. Whitespace is not trimmed.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ClampPage parses raw page and page_size query values into a bounded
// (page, pageSize) pair. Page defaults to 1 and is never below 1; pageSize
// defaults to defSize and is clamped to [1, maxSize]. Garbage input falls
// back to the defaults rather than erroring, so list endpoints stay
// forgiving toward hand-typed URLs.
func ClampPage(pageStr, sizeStr string, defSize, maxSize int) (page, pageSize int) {
	page = AtoiDefault(pageStr, 1)
	if page < 1 {
		page = 1
	}
	pageSize = AtoiDefault(sizeStr, defSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxSize {
		pageSize = maxSize
	}
	return page, pageSize
}
