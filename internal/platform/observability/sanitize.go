package observability

import "strings"

const (
	maxRouteLength  = 180
	maxMethodLength = 10
	maxUIDLength    = 64
)

// scrub drops control characters so attacker-supplied values cannot inject
// log lines, then truncates to the given rune limit.
func scrub(value string, limit int) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return -1
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, value)

	runes := []rune(cleaned)
	if limit > 0 && len(runes) > limit {
		runes = runes[:limit]
	}
	return string(runes)
}

// SanitizeRoute bounds a chi route pattern for log and trace attributes.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return scrub(route, maxRouteLength)
}

// SanitizeMethod bounds an HTTP method string.
func SanitizeMethod(method string) string {
	return scrub(method, maxMethodLength)
}

// SanitizeUserID bounds a principal id before it is logged.
func SanitizeUserID(uid string) string {
	return scrub(uid, maxUIDLength)
}
