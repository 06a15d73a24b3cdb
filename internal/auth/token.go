// Package auth issues and verifies the HS256 client tokens presented when a
// snapshot subscriber connects.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrWrongAudience reports a token minted for another service.
	ErrWrongAudience = errors.New("token audience mismatch")
)

// Audience is the audience claim expected on subscriber tokens.
const Audience = "snapsync"

// Claims is the payload carried by a subscriber token.
type Claims struct {
	Subject   string
	Variant   string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type header struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

type payload struct {
	Subject  string `json:"sub"`
	Variant  string `json:"var,omitempty"`
	Audience string `json:"aud,omitempty"`
	Issued   int64  `json:"iat"`
	Expires  int64  `json:"exp"`
}

// Signer mints tokens with a shared secret. Operators use it to hand out
// subscriber credentials; tests use it to exercise the verifier.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner returns a signer for secret.
func NewSigner(secret string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	return &Signer{secret: []byte(secret), now: time.Now}, nil
}

// WithClock overrides the signer clock.
func (s *Signer) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// Issue returns a compact token for subject valid for ttl. An empty variant
// leaves the choice to the broker default.
func (s *Signer) Issue(subject, variant string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("token subject must not be empty")
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	now := s.now()
	head, err := json.Marshal(header{Algorithm: "HS256", Type: "JWT"})
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(payload{
		Subject:  subject,
		Variant:  variant,
		Audience: Audience,
		Issued:   now.Unix(),
		Expires:  now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	unsigned := encodeSegment(head) + "." + encodeSegment(body)
	return unsigned + "." + encodeSegment(sign(s.secret, []byte(unsigned))), nil
}

// Verifier validates tokens minted by a Signer sharing the same secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewVerifier constructs a verifier for the supplied shared secret and clock skew allowance.
func NewVerifier(secret string, leeway time.Duration) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &Verifier{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func (v *Verifier) WithClock(clock func() time.Time) {
	if clock != nil {
		v.now = clock
	}
}

// Verify checks the signature, expiry and audience and returns the embedded claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	//1.- Reject foreign algorithms before spending a MAC on the token.
	headBytes, err := decodeSegment(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var head header
	if err := json.Unmarshal(headBytes, &head); err != nil {
		return nil, ErrInvalidToken
	}
	if head.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, head.Algorithm)
	}

	//2.- Compare signatures in constant time.
	signature, err := decodeSegment(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal(signature, sign(v.secret, []byte(parts[0]+"."+parts[1]))) {
		return nil, ErrInvalidToken
	}

	//3.- Decode the claims and enforce subject, expiry and audience.
	bodyBytes, err := decodeSegment(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var body payload
	if err := json.Unmarshal(bodyBytes, &body); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(body.Subject) == "" || body.Expires <= 0 {
		return nil, ErrInvalidToken
	}
	expiresAt := time.Unix(body.Expires, 0)
	if expiresAt.Add(v.leeway).Before(v.now()) {
		return nil, ErrExpiredToken
	}
	if body.Audience != "" && body.Audience != Audience {
		return nil, fmt.Errorf("%w: %q", ErrWrongAudience, body.Audience)
	}
	return &Claims{
		Subject:   body.Subject,
		Variant:   body.Variant,
		Audience:  body.Audience,
		IssuedAt:  time.Unix(body.Issued, 0),
		ExpiresAt: expiresAt,
	}, nil
}

func sign(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

func encodeSegment(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(segment)
}
