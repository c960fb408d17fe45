package middleware

import "strings"

// MaskSessionID masks a session id for log output. Full ids never hit the logs.
func MaskSessionID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}
