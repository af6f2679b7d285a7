// Package utils holds small helpers shared by the transport layer.
package utils

import "strconv"

// Page bounds used by list endpoints.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// AtoiDefault parses s as a decimal int, returning def when s is empty or
// not a valid int.
func AtoiDefault(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ParsePage reads page and page_size query values, clamping page to >= 1
// and the size to [1, MaxPageSize]. Missing or malformed values fall back
// to page 1 and DefaultPageSize.
func ParsePage(pageStr, sizeStr string) (page, size int) {
	page = max(AtoiDefault(pageStr, 1), 1)
	size = min(max(AtoiDefault(sizeStr, DefaultPageSize), 1), MaxPageSize)
	return page, size
}

// TotalPages returns the number of pages of size needed for total items.
func TotalPages(total int64, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}
