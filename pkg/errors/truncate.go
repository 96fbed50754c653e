package errors

import "unicode/utf8"

// Truncate cuts message to at most max bytes without splitting a UTF-8
// sequence. Invalid input bytes are kept as they are.
func Truncate(message string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(message) <= max {
		return message
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
