// Package id provides unique identifier generation utilities.
//
// It is the single place identifiers are minted in warcrec:
//
//   - URN: WARC record identifiers (<urn:uuid:...>)
//   - Suffix: collision tokens appended to reused exchange ids
//   - Short: 16-character hex ids used in output file names
//
// UUIDs come from github.com/google/uuid; Short reads crypto/rand directly.
package id
