package id

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// UUID generates a random (version 4) UUID string.
func UUID() string {
	return uuid.NewString()
}

// URN returns a fresh WARC record identifier of the form
// <urn:uuid:xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx>, angle brackets included.
func URN() string {
	return "<urn:uuid:" + uuid.NewString() + ">"
}

// IsURN reports whether s looks like a record identifier produced by URN.
func IsURN(s string) bool {
	if !strings.HasPrefix(s, "<urn:uuid:") || !strings.HasSuffix(s, ">") {
		return false
	}
	_, err := uuid.Parse(s[len("<urn:uuid:") : len(s)-1])
	return err == nil
}

// Suffix returns a token that is unique for the life of the process.
// It is appended to a correlation id when two distinct exchanges share one.
func Suffix() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Short generates a short random hex ID (16 characters).
func Short() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
