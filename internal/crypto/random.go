// Package crypto provides the randomness access keys are generated from.
package crypto

import (
	"context"
	"crypto/rand"
	"fmt"
)

// RandomSource returns cryptographically secure random bytes.
type RandomSource interface {
	Random(ctx context.Context, n int) ([]byte, error)
}

// SystemRandom reads from crypto/rand. Used in development and tests.
type SystemRandom struct{}

func NewSystemRandom() *SystemRandom {
	return &SystemRandom{}
}

func (SystemRandom) Random(ctx context.Context, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}
