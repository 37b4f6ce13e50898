package sealing

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerSource reads passphrases from AWS Secrets Manager.
type SecretsManagerSource struct {
	client SecretsManagerAPI
}

// NewSecretsManagerSource wraps a Secrets Manager client.
func NewSecretsManagerSource(client SecretsManagerAPI) *SecretsManagerSource {
	return &SecretsManagerSource{client: client}
}

// GetSecret returns the string value of secretID.
func (s *SecretsManagerSource) GetSecret(ctx context.Context, secretID string) (string, error) {
	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &secretID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret: %w", err)
	}
	if result.SecretString == nil || *result.SecretString == "" {
		return "", fmt.Errorf("secret %s has no string value", secretID)
	}
	return *result.SecretString, nil
}
