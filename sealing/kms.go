package sealing

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/rs/zerolog/log"
)

// KMSAPI is the subset of the KMS client used here.
type KMSAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
}

// KMSClient unseals a DEK that was generated by KMS under keyID.
type KMSClient struct {
	client KMSAPI
	keyID  string
}

// NewKMSClient creates a KMS-backed unsealer.
func NewKMSClient(client KMSAPI, keyID string) *KMSClient {
	if keyID == "" {
		log.Warn().Msg("KMS key ID not configured - GenerateDEK will fail")
	}
	return &KMSClient{client: client, keyID: keyID}
}

// Unseal decrypts a DEK blob.
func (k *KMSClient) Unseal(ctx context.Context, ciphertext []byte) ([]byte, error) {
	in := &kms.DecryptInput{CiphertextBlob: ciphertext}
	if k.keyID != "" {
		in.KeyId = aws.String(k.keyID)
	}

	result, err := k.client.Decrypt(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("KMS decrypt failed: %w", err)
	}
	if result.Plaintext == nil {
		return nil, fmt.Errorf("KMS decrypt returned no data")
	}

	log.Debug().
		Int("ciphertext_len", len(ciphertext)).
		Int("plaintext_len", len(result.Plaintext)).
		Msg("KMS decrypt successful")
	return result.Plaintext, nil
}

// GenerateDEK asks KMS for a new 256-bit data key. It returns the plaintext
// DEK and the blob to store on disk.
func (k *KMSClient) GenerateDEK(ctx context.Context) (plaintext, ciphertext []byte, err error) {
	if k.keyID == "" {
		return nil, nil, fmt.Errorf("KMS key ID not configured")
	}

	result, err := k.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:         aws.String(k.keyID),
		NumberOfBytes: aws.Int32(DEKSize),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("KMS generate data key failed: %w", err)
	}
	return result.Plaintext, result.CiphertextBlob, nil
}
