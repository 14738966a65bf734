// Package util holds small string helpers shared by the CLI and capture
// logging.
package util
