package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrLinkInvalid covers malformed or tampered tokens.
	ErrLinkInvalid = errors.New("invalid download link")
	// ErrLinkExpired is returned for well-formed tokens past their expiry.
	ErrLinkExpired = errors.New("download link expired")
)

// Link is the payload carried by a signed download token.
type Link struct {
	Filename  string
	Key       string
	ExpiresAt time.Time
}

// LinkSigner issues and verifies HMAC-signed download tokens for archived exports.
type LinkSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewLinkSigner constructs a signer. Non-positive ttl falls back to fifteen minutes.
func NewLinkSigner(secret string, ttl time.Duration) *LinkSigner {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &LinkSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Sign returns a token granting download of key under filename until the returned expiry.
func (s *LinkSigner) Sign(filename, key string) (string, time.Time, error) {
	if filename == "" || key == "" {
		return "", time.Time{}, fmt.Errorf("filename and key required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	expiresAt := s.now().Add(s.ttl).Truncate(time.Second)
	payload := strings.Join([]string{
		encodeSegment(filename),
		strconv.FormatInt(expiresAt.Unix(), 10),
		encodeSegment(key),
	}, ".")
	return payload + "." + s.signature(payload), expiresAt, nil
}

// Verify checks the signature and expiry of token.
func (s *LinkSigner) Verify(token string) (Link, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 || len(s.secret) == 0 {
		return Link{}, ErrLinkInvalid
	}
	payload := strings.Join(parts[:3], ".")
	if !hmac.Equal([]byte(s.signature(payload)), []byte(parts[3])) {
		return Link{}, ErrLinkInvalid
	}
	filename, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Link{}, ErrLinkInvalid
	}
	key, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Link{}, ErrLinkInvalid
	}
	unix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Link{}, ErrLinkInvalid
	}
	link := Link{Filename: string(filename), Key: string(key), ExpiresAt: time.Unix(unix, 0)}
	if s.now().After(link.ExpiresAt) {
		return link, ErrLinkExpired
	}
	return link, nil
}

func (s *LinkSigner) signature(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func encodeSegment(v string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(v))
}
