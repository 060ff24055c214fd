package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Fingerprint identifies an assistant answer for duplicate detection: the first
// n characters of its narrative plus which artifacts it carries. Whitespace is
// collapsed so a resent answer with different line breaks still matches.
func Fingerprint(narrative string, n int, hasChart, hasInsights, hasResult bool) string {
	text := strings.Join(strings.Fields(narrative), " ")
	if n > 0 && utf8.RuneCountInString(text) > n {
		text = string([]rune(text)[:n])
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%t|%t|%t", text, hasChart, hasInsights, hasResult)))
	return hex.EncodeToString(sum[:])
}
