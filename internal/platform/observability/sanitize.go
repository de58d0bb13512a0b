package observability

import (
	"strings"
	"unicode"
)

// Log field values never carry raw request input. Control characters are
// stripped and lengths capped before anything reaches a zap field.

const (
	maxRouteLen  = 180
	maxMethodLen = 10
	maxUserIDLen = 64
)

func stripControl(value string, max int) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)

	if max > 0 {
		runes := []rune(cleaned)
		if len(runes) > max {
			return string(runes[:max])
		}
	}
	return cleaned
}

// SanitizeRoute normalises a route pattern for logging.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return stripControl(route, maxRouteLen)
}

// SanitizeMethod normalises an HTTP method for logging.
func SanitizeMethod(method string) string {
	return stripControl(method, maxMethodLen)
}

// SanitizeUserID caps identifiers before they reach request logs.
func SanitizeUserID(uid string) string {
	return stripControl(uid, maxUserIDLen)
}
