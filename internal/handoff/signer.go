package handoff

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidWindowID = errors.New("invalid window id")

type windowClaims struct {
	Nonce     string `json:"n"`
	ExpiresAt int64  `json:"exp"`
}

// Signer issues window ids that only this service can mint, so a foreign
// page cannot guess a live correlation id.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string, now func() time.Time) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("handoff secret is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Signer{secret: []byte(secret), now: now}, nil
}

// Issue returns a new window id valid for ttl.
func (s *Signer) Issue(ttl time.Duration) (string, error) {
	claims := windowClaims{
		Nonce:     uuid.NewString(),
		ExpiresAt: s.now().UTC().Add(ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	encodedPayload := base64.RawURLEncoding.EncodeToString(payload)
	return encodedPayload + "." + s.sign(encodedPayload), nil
}

// Verify checks the signature and expiry of a window id.
func (s *Signer) Verify(windowID string) error {
	parts := strings.Split(strings.TrimSpace(windowID), ".")
	if len(parts) != 2 {
		return ErrInvalidWindowID
	}

	expected := s.sign(parts[0])
	if !hmac.Equal([]byte(parts[1]), []byte(expected)) {
		return ErrInvalidWindowID
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return ErrInvalidWindowID
	}
	claims := windowClaims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ErrInvalidWindowID
	}
	if claims.Nonce == "" || claims.ExpiresAt < s.now().UTC().Unix() {
		return ErrInvalidWindowID
	}
	return nil
}

func (s *Signer) sign(encodedPayload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encodedPayload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
