package rewards

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// tokenBytes sizes the redemption token at 256 bits of entropy.
const tokenBytes = 32

// NewRedemptionToken mints a cryptographically unguessable credential. It
// ends up as the QR payload a winner presents at the bar.
func NewRedemptionToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
