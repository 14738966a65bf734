package warc

import (
	"crypto/sha1" //nolint:gosec // WARC payload digests are conventionally SHA-1
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// DigestAlgorithm selects how WARC-Payload-Digest is computed.
type DigestAlgorithm string

const (
	DigestSHA1   DigestAlgorithm = "sha1"
	DigestSHA256 DigestAlgorithm = "sha256"
	DigestNone   DigestAlgorithm = "none"
)

// ParseDigestAlgorithm accepts "sha1", "sha256", "none" or "" (sha1).
func ParseDigestAlgorithm(s string) (DigestAlgorithm, error) {
	switch d := DigestAlgorithm(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DigestSHA1, nil
	case DigestSHA1, DigestSHA256, DigestNone:
		return d, nil
	default:
		return "", fmt.Errorf("unknown digest algorithm %q", s)
	}
}

func (d DigestAlgorithm) newHash() hash.Hash {
	switch d {
	case DigestSHA256:
		return sha256.New()
	case DigestNone:
		return nil
	default:
		return sha1.New() //nolint:gosec
	}
}

// Digest returns the labelled base32 digest of payload, e.g. "sha1:3I42H3...".
// It returns "" for DigestNone.
func (d DigestAlgorithm) Digest(payload []byte) string {
	h := d.newHash()
	if h == nil {
		return ""
	}
	h.Write(payload)
	label := d
	if label == "" {
		label = DigestSHA1
	}
	return string(label) + ":" + base32.StdEncoding.EncodeToString(h.Sum(nil))
}

// ErrDigestMismatch is returned by VerifyDigest.
var ErrDigestMismatch = errors.New("payload digest mismatch")

// VerifyDigest recomputes the payload digest of r. Records without one pass.
func (r *Record) VerifyDigest() error {
	if r.PayloadDigest == "" {
		return nil
	}
	label, _, ok := strings.Cut(r.PayloadDigest, ":")
	if !ok {
		return fmt.Errorf("%w: unlabelled digest %q", ErrDigestMismatch, r.PayloadDigest)
	}
	alg, err := ParseDigestAlgorithm(label)
	if err != nil || alg == DigestNone {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrDigestMismatch, label)
	}
	payload := r.Block
	if r.Type == TypeRequest || r.Type == TypeResponse {
		payload = r.HTTPPayload()
	}
	if got := alg.Digest(payload); !strings.EqualFold(got, r.PayloadDigest) {
		return fmt.Errorf("%w: record %s has %s, payload hashes to %s", ErrDigestMismatch, r.ID, r.PayloadDigest, got)
	}
	return nil
}
