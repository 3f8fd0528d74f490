// Package statetoken creates and verifies the signed, time-boxed state tokens
// that carry user identity through the bank-data provider's redirect.
//
// A token is base64url(payloadJSON) + "." + base64url(HMAC-SHA256(secret, payloadJSON)).
// Tokens are ephemeral: they are never persisted and are consumed by a single
// callback round trip.
package statetoken

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	// DefaultMaxAge is how long a state token is accepted after creation.
	// Anything older than this is treated as a replay and rejected.
	DefaultMaxAge = 10 * time.Minute

	// nonceLength is the number of random bytes in each token's nonce.
	nonceLength = 16
)

// ErrMissingSecret is returned by New when no signing secret is configured.
// The secret is process-wide configuration; running without one would silently
// disable signature verification, so this is a fatal startup error.
var ErrMissingSecret = errors.New("statetoken: signing secret is required")

// Payload is the signed content of a state token.
type Payload struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"` // creation instant, Unix milliseconds
	Nonce     string `json:"nonce"`
}

// Codec signs and verifies state tokens with a shared HMAC secret.
type Codec struct {
	secret []byte
	maxAge time.Duration

	// now allows tests to control the clock
	now func() time.Time
}

// New creates a Codec. maxAge <= 0 uses DefaultMaxAge.
func New(secret string, maxAge time.Duration) (*Codec, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Codec{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
	}, nil
}

// Create builds a signed token for the given user.
func (c *Codec) Create(userID string) (string, error) {
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	payload, err := json.Marshal(Payload{
		UserID:    userID,
		Timestamp: c.now().UnixMilli(),
		Nonce:     base64.RawURLEncoding.EncodeToString(nonce),
	})
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(payload) + "." + c.sign(payload), nil
}

// Verify checks a token's shape, signature, age, and required fields.
// It returns nil on ANY failure; callers treat a nil payload as "restart the
// connect flow", never as a fatal error.
func (c *Codec) Verify(token string) *Payload {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil
	}

	// Constant-time comparison; a simple == would leak signature bytes
	// through timing.
	expected, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payloadJSON)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return nil
	}

	var payload Payload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil
	}
	if payload.UserID == "" || payload.Timestamp == 0 || payload.Nonce == "" {
		return nil
	}

	age := c.now().Sub(time.UnixMilli(payload.Timestamp))
	if age > c.maxAge {
		return nil
	}

	return &payload
}

func (c *Codec) sign(payloadJSON []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payloadJSON)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
