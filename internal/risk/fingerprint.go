package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint derives the stored device fingerprint: the SHA-256 hex of the
// client-supplied device ID, or of user agent + IP when no device ID was
// sent. It returns "" only when every input is blank, which the rules treat
// as a missing device.
func Fingerprint(deviceID, userAgent, ip string) string {
	src := strings.TrimSpace(deviceID)
	if src == "" {
		src = userAgent + ip
	}
	if strings.TrimSpace(src) == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:])
}
