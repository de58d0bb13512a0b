package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const orderNumberPrefix = "ORD"

// ErrOrderTokenRequired indicates the cart token used to seed the order
// number was empty.
var ErrOrderTokenRequired = errors.New("checkout: order token is required")

// OrderNumberGenerator issues the parent order number for a checkout attempt
// and the per-partition numbers derived from it. The parent embeds a ULID
// whose timestamp comes from the injected clock and whose entropy is derived
// from the cart token, so repeated attempts for the same cart at the same
// instant produce the same number.
type OrderNumberGenerator struct {
	now func() time.Time
}

// NewOrderNumberGenerator constructs a generator using the supplied clock.
func NewOrderNumberGenerator(clock func() time.Time) *OrderNumberGenerator {
	if clock == nil {
		clock = time.Now
	}
	return &OrderNumberGenerator{
		now: func() time.Time {
			return clock().UTC()
		},
	}
}

// Parent returns the order number covering the whole checkout attempt.
func (g *OrderNumberGenerator) Parent(cartToken string) (string, error) {
	token := strings.TrimSpace(cartToken)
	if token == "" {
		return "", ErrOrderTokenRequired
	}

	id, err := ulid.New(ulid.Timestamp(g.now()), newTokenEntropy(token))
	if err != nil {
		return "", fmt.Errorf("checkout: generate order number: %w", err)
	}
	return fmt.Sprintf("%s-%s", orderNumberPrefix, id.String()), nil
}

// Derived returns the partition order number at the given zero-based
// partition index. Numbers are suffixed 01, 02, ... in partition order.
func (g *OrderNumberGenerator) Derived(parent string, index int) (string, error) {
	if strings.TrimSpace(parent) == "" {
		return "", ErrOrderTokenRequired
	}
	if index < 0 {
		return "", fmt.Errorf("checkout: negative partition index %d", index)
	}
	return fmt.Sprintf("%s-%02d", parent, index+1), nil
}

// tokenEntropy yields a deterministic byte stream keyed on the cart token.
// Blocks are HMAC-SHA256 over an incrementing counter.
type tokenEntropy struct {
	key     []byte
	counter uint64
	buf     []byte
}

func newTokenEntropy(token string) io.Reader {
	keySum := sha256.Sum256([]byte(token))
	return &tokenEntropy{key: keySum[:]}
}

func (e *tokenEntropy) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(e.buf) == 0 {
			mac := hmac.New(sha256.New, e.key)
			var counter [8]byte
			binary.BigEndian.PutUint64(counter[:], e.counter)
			mac.Write(counter[:])
			e.buf = mac.Sum(nil)
			e.counter++
		}
		copied := copy(p[n:], e.buf)
		e.buf = e.buf[copied:]
		n += copied
	}
	return n, nil
}
