// Package id generates the short opaque identifiers used throughout the
// fabric: node IDs (short, they appear in datastore keys and channel names),
// RPC correlation IDs, and job names.
package id

import (
	"crypto/rand"
	"fmt"
)

// alphabet is the 62-character set identifiers are drawn from.
// Alphanumeric only so IDs are safe inside datastore keys, channel names,
// and log lines without escaping.
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const (
	// NodeLength is the length of node identifiers. Kept short because a
	// node ID is embedded in every load key and pub/sub channel name.
	NodeLength = 5

	// DefaultLength is the length of correlation IDs and job names.
	DefaultLength = 10
)

// New returns a random identifier of length n.
//
// Randomness comes from crypto/rand so concurrent callers across goroutines
// (and across processes sharing a datastore) cannot collide by sharing a
// seed or a sequence counter. Bytes >= 248 are rejected and redrawn to keep
// the alphabet distribution uniform (248 = 4 * 62).
func New(n int) string {
	if n <= 0 {
		panic(fmt.Sprintf("id: invalid length %d", n))
	}

	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			// crypto/rand never fails on supported platforms; treat a
			// failure as unrecoverable rather than degrade to guessable IDs.
			panic(fmt.Sprintf("id: crypto/rand failed: %v", err))
		}
		for _, b := range buf {
			if b >= 248 {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out)
}

// Node returns a new node identifier.
func Node() string { return New(NodeLength) }

// Correlation returns a new RPC correlation identifier.
func Correlation() string { return New(DefaultLength) }
