package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"regexp"
	"time"
)

// DefaultFreshness is how old a webhook timestamp may be before the
// delivery is rejected as a possible replay.
const DefaultFreshness = 5 * time.Minute

var (
	// ErrMissingSignature indicates required verification inputs were absent.
	ErrMissingSignature = errors.New("ingest: missing signature or timestamp")
	// ErrStaleTimestamp indicates the webhook timestamp is too old or unparseable.
	ErrStaleTimestamp = errors.New("ingest: webhook timestamp too old or invalid")
	// ErrBadSignature indicates the HMAC digest did not match.
	ErrBadSignature = errors.New("ingest: signature verification failed")
)

// Verifier authenticates webhook deliveries: an HMAC-SHA256 digest of
// the raw body, base64 encoded, compared in constant time, plus a
// freshness check on the delivery timestamp.
type Verifier struct {
	secret    []byte
	freshness time.Duration
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithFreshness overrides the timestamp freshness window.
func WithFreshness(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.freshness = d
		}
	}
}

// NewVerifier creates a verifier for the shared webhook secret.
func NewVerifier(secret string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		secret:    []byte(secret),
		freshness: DefaultFreshness,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks the signature over rawBody and the timestamp freshness.
// The timestamp is RFC 3339.
func (v *Verifier) Verify(rawBody []byte, signature, timestamp string) error {
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}
	if len(v.secret) == 0 {
		return ErrBadSignature
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil || time.Since(ts) > v.freshness {
		return ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(rawBody)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// Sign computes the digest a provider would send for rawBody. Exported
// for tests and local tooling.
func (v *Verifier) Sign(rawBody []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(rawBody)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// tenantDomainRe matches shop domains like "acme-store.example.com".
var tenantDomainRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*(\.[a-zA-Z0-9-]+)+$`)

// ValidTenantDomain reports whether a tenant identifier looks like a
// legitimate shop domain.
func ValidTenantDomain(domain string) bool {
	return tenantDomainRe.MatchString(domain)
}
