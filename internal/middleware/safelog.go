package middleware

import "strings"

// MaskSessionID keeps the first four characters of a session id for logs.
func MaskSessionID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}
