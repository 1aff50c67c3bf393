package util

import (
	"fmt"
	"strings"
)

// NormalizeFingerprint canonicalizes a certificate fingerprint to uppercase
// colon-separated hex pairs. It accepts colon-separated, space-separated,
// concatenated and mixed-case input.
func NormalizeFingerprint(fp string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9':
			return r
		case r >= 'a' && r <= 'f':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'F':
			return r
		case r == ':' || r == ' ':
			return -1
		default:
			return 'x' // marker for invalid input
		}
	}, fp)

	if cleaned == "" {
		return "", fmt.Errorf("empty fingerprint")
	}
	if strings.ContainsRune(cleaned, 'x') {
		return "", fmt.Errorf("fingerprint contains non-hex characters: %q", fp)
	}
	if len(cleaned)%2 != 0 {
		return "", fmt.Errorf("fingerprint has odd number of hex digits: %q", fp)
	}

	pairs := make([]string, 0, len(cleaned)/2)
	for i := 0; i < len(cleaned); i += 2 {
		pairs = append(pairs, cleaned[i:i+2])
	}

	return strings.Join(pairs, ":"), nil
}
