package utils

import (
	"net/url"
	"strconv"
)

// ParsePage reads a 1-based page number from query values, defaulting
// to 1 on absence or garbage.
func ParsePage(values url.Values) int {
	page, err := strconv.Atoi(values.Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

// ParseLimit reads a page size from query values, clamped to [1, max];
// absence or garbage yields max.
func ParseLimit(values url.Values, max int) int {
	limit, err := strconv.Atoi(values.Get("limit"))
	if err != nil || limit < 1 || limit > max {
		return max
	}
	return limit
}

// ParseInt64 reads an int64 query parameter, returning 0 when the
// parameter is absent or not a number.
func ParseInt64(values url.Values, key string) int64 {
	n, err := strconv.ParseInt(values.Get(key), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
