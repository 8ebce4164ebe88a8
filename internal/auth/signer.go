// Package auth implements the gateway login handshake.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coachpo/ndaxstream/errs"
)

// Credentials identify the API user.
type Credentials struct {
	APIKey string
	Secret string
	UserID string
}

// Validate reports missing credential fields.
func (c Credentials) Validate() error {
	var missing []string
	if strings.TrimSpace(c.APIKey) == "" {
		missing = append(missing, "apiKey")
	}
	if strings.TrimSpace(c.Secret) == "" {
		missing = append(missing, "secret")
	}
	if strings.TrimSpace(c.UserID) == "" {
		missing = append(missing, "userId")
	}
	if len(missing) > 0 {
		return errs.New("ndax", errs.CodeAuth, errs.WithMessage("missing credentials: "+strings.Join(missing, ", ")))
	}
	return nil
}

// Request is the AuthenticateUser payload.
type Request struct {
	APIKey    string `json:"APIKey"`
	Signature string `json:"Signature"`
	UserID    string `json:"UserId"`
	Nonce     string `json:"Nonce"`
}

// Signer produces signed AuthenticateUser payloads with strictly increasing nonces.
type Signer struct {
	creds Credentials
	clock func() time.Time
	last  atomic.Int64
}

// NewSigner constructs a signer for creds.
func NewSigner(creds Credentials, clock func() time.Time) *Signer {
	if clock == nil {
		clock = time.Now
	}
	return &Signer{creds: creds, clock: clock}
}

// Nonce returns a millisecond nonce greater than every previous one.
func (s *Signer) Nonce() int64 {
	for {
		prev := s.last.Load()
		next := s.clock().UnixMilli()
		if next <= prev {
			next = prev + 1
		}
		if s.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// Sign builds a request signed with HMAC-SHA256(secret, nonce+userId+apiKey).
func (s *Signer) Sign() Request {
	nonce := strconv.FormatInt(s.Nonce(), 10)
	return Request{
		APIKey:    s.creds.APIKey,
		Signature: Signature(s.creds.Secret, nonce+s.creds.UserID+s.creds.APIKey),
		UserID:    s.creds.UserID,
		Nonce:     nonce,
	}
}

// Signature returns the lowercase hex HMAC-SHA256 of message keyed with secret.
func Signature(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
