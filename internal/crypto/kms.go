package crypto

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// kmsMaxRandom is the most bytes one GenerateRandom call returns.
const kmsMaxRandom = 1024

// KMSClient is the subset of *kms.Client used by KMSRandom.
type KMSClient interface {
	GenerateRandom(ctx context.Context, params *kms.GenerateRandomInput, optFns ...func(*kms.Options)) (*kms.GenerateRandomOutput, error)
}

// KMSRandom draws random bytes from AWS KMS.
type KMSRandom struct {
	client KMSClient
	// customKeyStoreID optionally routes generation to a CloudHSM key store.
	customKeyStoreID string
}

// NewKMSRandom creates a KMSRandom.
func NewKMSRandom(client KMSClient, customKeyStoreID string) *KMSRandom {
	return &KMSRandom{
		client:           client,
		customKeyStoreID: customKeyStoreID,
	}
}

// Random returns n random bytes.
func (r *KMSRandom) Random(ctx context.Context, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		want := min(n-len(out), kmsMaxRandom)
		input := &kms.GenerateRandomInput{
			NumberOfBytes: aws.Int32(int32(want)),
		}
		if r.customKeyStoreID != "" {
			input.CustomKeyStoreId = aws.String(r.customKeyStoreID)
		}

		result, err := r.client.GenerateRandom(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to generate random bytes: %w", err)
		}
		if len(result.Plaintext) != want {
			return nil, fmt.Errorf("KMS returned %d random bytes, want %d", len(result.Plaintext), want)
		}
		out = append(out, result.Plaintext...)
	}
	return out, nil
}
