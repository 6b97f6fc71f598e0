package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint(t *testing.T) {
	fromDevice := Fingerprint("device-123", "Mozilla/5.0", "10.0.0.1")
	assert.Len(t, fromDevice, 64)
	assert.Equal(t, fromDevice, Fingerprint("  device-123 ", "curl/8", "10.0.0.2"), "device ID wins over origin")

	fromOrigin := Fingerprint("", "Mozilla/5.0", "10.0.0.1")
	assert.Len(t, fromOrigin, 64)
	assert.NotEqual(t, fromDevice, fromOrigin)
	assert.NotEqual(t, fromOrigin, Fingerprint("", "Mozilla/5.0", "10.0.0.2"))

	assert.Equal(t, "", Fingerprint("", "", ""))
	assert.Equal(t, "", Fingerprint("  ", " ", ""))
}
