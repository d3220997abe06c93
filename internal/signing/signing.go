// Package signing implements the HMAC tokens that guard bundle download
// links handed out in status responses.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Signer generates and validates HMAC based download tokens.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the hex signature for a session download link expiring at
// expiresUnix.
func (s *Signer) Sign(sessionID string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	payload := fmt.Sprintf("download:%s:%d", sessionID, expiresUnix)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate checks the signature and that the link has not expired relative
// to nowUnix.
func (s *Signer) Validate(sessionID, expires, signature string, nowUnix int64) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	if exp < nowUnix {
		return false
	}
	expected := s.Sign(sessionID, exp)
	return hmac.Equal([]byte(expected), []byte(signature))
}
