package secret

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// Store fetches the raw string body of a secret.
type Store interface {
	SecretString(ctx context.Context, secretID string) (string, error)
}

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerStore reads secrets from AWS Secrets Manager. A secret id
// may be a name, a full ARN, or a partial ARN.
type SecretsManagerStore struct {
	client SecretsManagerAPI
}

// NewSecretsManagerStore wraps client.
func NewSecretsManagerStore(client SecretsManagerAPI) *SecretsManagerStore {
	return &SecretsManagerStore{client: client}
}

func (s *SecretsManagerStore) SecretString(ctx context.Context, secretID string) (string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		var nf *smtypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, secretID)
		}
		return "", fmt.Errorf("secretsmanager GetSecretValue %q: %w", secretID, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %q has no string value", secretID)
	}
	return *out.SecretString, nil
}

// MemoryStore is an in-memory Store for tests and the memory cloud type.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
	fetches atomic.Int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

// Set stores body under id.
func (m *MemoryStore) Set(id, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[id] = body
}

// Fetches counts SecretString calls.
func (m *MemoryStore) Fetches() int64 { return m.fetches.Load() }

func (m *MemoryStore) SecretString(_ context.Context, id string) (string, error) {
	m.fetches.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()

	body, ok := m.secrets[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, id)
	}
	return body, nil
}
