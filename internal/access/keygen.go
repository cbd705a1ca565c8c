package access

import (
	"context"
	"regexp"
	"strings"

	"github.com/jun/polygraf/internal/crypto"
)

// KeyAlphabet leaves out characters that are easy to confuse when typed:
// 0, O, 1, I and L.
const KeyAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	keyGroups    = 3
	keyGroupSize = 4
)

var keyFormat = regexp.MustCompile(`^KEY-[A-Z2-9]{4}-[A-Z2-9]{4}-[A-Z2-9]{4}$`)

// ValidKeyFormat reports whether key looks like a generated access key.
func ValidKeyFormat(key string) bool {
	return keyFormat.MatchString(key)
}

// NewKey returns a key of the form KEY-XXXX-XXXX-XXXX.
func NewKey(ctx context.Context, random crypto.RandomSource) (string, error) {
	n := keyGroups * keyGroupSize
	chars := make([]byte, 0, n)

	// Bytes at or above limit would bias the modulo and are discarded.
	limit := byte(256 - 256%len(KeyAlphabet))
	for len(chars) < n {
		buf, err := random.Random(ctx, 2*(n-len(chars)))
		if err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit || len(chars) == n {
				continue
			}
			chars = append(chars, KeyAlphabet[int(b)%len(KeyAlphabet)])
		}
	}

	var sb strings.Builder
	sb.WriteString("KEY")
	for i := 0; i < keyGroups; i++ {
		sb.WriteByte('-')
		sb.Write(chars[i*keyGroupSize : (i+1)*keyGroupSize])
	}
	return sb.String(), nil
}
