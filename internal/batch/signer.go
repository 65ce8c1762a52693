package batch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Signer signs batch page numbers so only the batch itself can request the next page.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex HMAC-SHA256 of the page number.
func (s *Signer) Sign(page int) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(strconv.Itoa(page)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the signature of page.
func (s *Signer) Verify(page int, sig string) bool {
	if len(s.secret) == 0 || sig == "" {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(s.Sign(page)))
}
